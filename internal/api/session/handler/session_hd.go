package sessionHandler

import (
	"context"
	"fmt"
	"time"

	"PersonDetection/internal/api/session"
	contextPkg "PersonDetection/pkg/context"
	"PersonDetection/pkg/handlerUtil"
	"PersonDetection/pkg/log"
	"github.com/gofiber/fiber/v2"
)

const requestTimeout = 30 * time.Second

func (h *SessionHandler) Upload(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), requestTimeout)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	var req session.UploadRequest
	if err := ctx.BodyParser(&req); err != nil {
		return errHandler.Handle(ctx, requestID, fiber.NewError(fiber.StatusBadRequest, err.Error()), ctx.Path(), "parse_request_body")
	}

	form, err := ctx.MultipartForm()
	if err != nil {
		return errHandler.Handle(ctx, requestID, fiber.NewError(fiber.StatusBadRequest, "multipart form with image files is required"), ctx.Path(), "parse_multipart_form")
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["images"]
	}

	h.log.WithFields(log.Fields{
		"request_id":  requestID,
		"path":        ctx.Path(),
		"session_id":  req.SessionID,
		"files":       len(headers),
		"process_now": req.ProcessNow,
	}).Debug("Processing upload request")

	files := make([]session.UploadFile, 0, len(headers))
	for _, header := range headers {
		if err := h.utils.ValidateImageFile(header); err != nil {
			return errHandler.Handle(ctx, requestID, fmt.Errorf("%s: %w", header.Filename, err), ctx.Path(), "validate_image_file")
		}
		data, err := h.utils.ReadFile(header)
		if err != nil {
			return errHandler.Handle(ctx, requestID, err, ctx.Path(), "read_file")
		}
		files = append(files, session.UploadFile{Name: header.Filename, Data: data})
	}

	resp, err := h.sessionService.Upload(c, req, files)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "upload")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusCreated, resp)
}

func (h *SessionHandler) CreateSession(ctx *fiber.Ctx) error {
	c := contextPkg.FromFiberCtx(ctx)
	created := h.sessionService.Create(c)

	return handlerUtil.New(h.log).HandleSuccess(ctx, fiber.StatusCreated, session.NewStatusResponse(created, false))
}

func (h *SessionHandler) Process(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	errHandler := handlerUtil.New(h.log)

	var req session.ProcessRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return errHandler.Handle(ctx, requestID, fiber.NewError(fiber.StatusBadRequest, err.Error()), ctx.Path(), "parse_request_body")
		}
	}
	if ctx.QueryBool("wait") {
		req.Wait = true
	}
	if v := ctx.QueryFloat("wait_timeout"); v > 0 {
		req.WaitTimeout = &v
	}

	sessionID := ctx.Params("session_id")
	c := contextPkg.WithSessionID(contextPkg.FromFiberCtx(ctx), sessionID)

	resp, err := h.sessionService.Process(c, sessionID, req)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "process")
	}

	status := fiber.StatusAccepted
	if resp.Status.State.IsTerminal() {
		status = fiber.StatusOK
	}
	return errHandler.HandleSuccess(ctx, status, resp)
}

func (h *SessionHandler) Status(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	errHandler := handlerUtil.New(h.log)

	current, err := h.sessionService.Status(contextPkg.FromFiberCtx(ctx), ctx.Params("session_id"))
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "status")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, session.NewStatusResponse(current, ctx.QueryBool("artifacts")))
}

func (h *SessionHandler) Download(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	errHandler := handlerUtil.New(h.log)

	sessionID := ctx.Params("session_id")
	dl, err := h.sessionService.Download(contextPkg.FromFiberCtx(ctx), sessionID)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "download")
	}

	h.log.WithFields(log.Fields{
		"request_id": requestID,
		"session_id": sessionID,
		"bytes":      len(dl.Data),
	}).Info("Serving processed video")

	ctx.Set(fiber.HeaderContentType, dl.ContentType)
	ctx.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, dl.Filename))
	return ctx.Status(fiber.StatusOK).Send(dl.Data)
}

func (h *SessionHandler) Delete(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	errHandler := handlerUtil.New(h.log)

	sessionID := ctx.Params("session_id")
	if err := h.sessionService.Delete(contextPkg.FromFiberCtx(ctx), sessionID); err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "delete")
	}

	return errHandler.HandleSuccess(ctx, fiber.StatusOK, session.DeleteResponse{
		SessionID: sessionID,
		Message:   fmt.Sprintf("Session %s deleted", sessionID),
	})
}

func (h *SessionHandler) ListSessions(ctx *fiber.Ctx) error {
	sessions := h.sessionService.List(contextPkg.FromFiberCtx(ctx))

	resp := session.ListResponse{
		Sessions: make([]session.SessionSummary, 0, len(sessions)),
		Count:    len(sessions),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, session.NewSessionSummary(s))
	}

	return handlerUtil.New(h.log).HandleSuccess(ctx, fiber.StatusOK, resp)
}

func (h *SessionHandler) CaptureConfig(ctx *fiber.Ctx) error {
	return handlerUtil.New(h.log).HandleSuccess(ctx, fiber.StatusOK, h.sessionService.CaptureConfig())
}

func (h *SessionHandler) Runs(ctx *fiber.Ctx) error {
	requestID := h.middleware.GetRequestID(ctx)
	c, cancel := context.WithTimeout(contextPkg.FromFiberCtx(ctx), 10*time.Second)
	defer cancel()

	errHandler := handlerUtil.New(h.log)

	limit := ctx.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		return errHandler.HandleValidationError(ctx, requestID, fmt.Errorf("limit must be between 1 and 500"), ctx.Path())
	}

	runs, err := h.sessionService.Runs(c, limit)
	if err != nil {
		return errHandler.Handle(ctx, requestID, err, ctx.Path(), "list_runs")
	}

	select {
	case <-c.Done():
		return errHandler.HandleRequestTimeout(ctx)
	default:
		return errHandler.HandleSuccess(ctx, fiber.StatusOK, session.RunsResponse{
			Runs:  runs,
			Count: len(runs),
		})
	}
}
