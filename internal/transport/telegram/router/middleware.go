package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"runtime/debug"
	"time"

	logx "qotdbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{logx.Duration("dur", d)}
			switch {
			case err == nil:
				// Keep INFO useful: short successful requests go to DEBUG.
				if d >= 750*time.Millisecond {
					logger.Info("request ok", fields...)
				} else {
					logger.Debug("request ok", fields...)
				}
			case IsUserError(err), errors.Is(err, ErrForbidden):
				logger.Debug("request rejected", append(fields, logx.Err(err))...)
			default:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

// ErrForbidden is returned when the caller may not run a command.
var ErrForbidden = errors.New("forbidden")

// MWAccess enforces AccessManager. Owners always pass.
func MWAccess(access Access, auth Authorizer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if access != AccessManager || req.Owner {
				return next(ctx, req)
			}
			if auth == nil {
				return ErrForbidden
			}
			ok, err := auth.CanManage(ctx, req.Chat.ChatID, req.FromID)
			if err != nil {
				return fmt.Errorf("check permissions: %w", err)
			}
			if !ok {
				return ErrForbidden
			}
			return next(ctx, req)
		}
	}
}

// MWReplyError turns handler errors into a chat reply. User errors are shown
// verbatim; anything else gets a generic message with the request id.
func MWReplyError() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			var ue *UserError
			var text string
			switch {
			case errors.As(err, &ue):
				text = html.EscapeString(ue.Msg)
			case errors.Is(err, ErrForbidden):
				text = "You need to be a chat admin or a privileged user to do that."
			case errors.Is(err, context.DeadlineExceeded):
				text = "That took too long, please try again."
			default:
				text = "Something went wrong. Reference: <code>" + html.EscapeString(req.ReqID) + "</code>"
			}
			// The handler context may already be done; use a short detached one.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = req.Reply(rctx, text)
			return err
		}
	}
}
