package yolo

import "fmt"

const DefaultThreshold = 0.5

// MobileNet-SSD class ids.
var labels = map[int]string{
	1:  "person",
	2:  "bicycle",
	3:  "car",
	4:  "motorcycle",
	5:  "airplane",
	6:  "bus",
	8:  "truck",
	16: "bird",
	17: "cat",
	18: "dog",
}

func Label(classID int) string {
	if label, ok := labels[classID]; ok {
		return label
	}
	return fmt.Sprintf("class_%d", classID)
}
