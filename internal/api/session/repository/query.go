package sessionRepository

const (
	queryCreateRun = `
		INSERT INTO processing_runs (
			id,
			session_id,
			job_id,
			state,
			error_kind,
			error_message,
			artifact_sequence,
			frames,
			total_people,
			max_people_in_frame,
			started_at,
			finished_at
		) VALUES (
			:id,
			:session_id,
			:job_id,
			:state,
			:error_kind,
			:error_message,
			:artifact_sequence,
			:frames,
			:total_people,
			:max_people_in_frame,
			:started_at,
			:finished_at
		)
	`

	queryListRuns = `
		SELECT
			id,
			session_id,
			job_id,
			state,
			error_kind,
			error_message,
			artifact_sequence,
			frames,
			total_people,
			max_people_in_frame,
			started_at,
			finished_at
		FROM processing_runs
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`

	queryListRunsBySession = `
		SELECT
			id,
			session_id,
			job_id,
			state,
			error_kind,
			error_message,
			artifact_sequence,
			frames,
			total_people,
			max_people_in_frame,
			started_at,
			finished_at
		FROM processing_runs
		WHERE session_id = ?
		ORDER BY finished_at DESC, id DESC
	`
)
