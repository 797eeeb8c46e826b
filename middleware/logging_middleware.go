package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cborpc/message"
)

// Logging logs every call at debug level and failed calls at info.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call message.CallMessage) (any, error) {
			start := time.Now()
			v, err := next(ctx, call)
			fields := []zap.Field{
				zap.Int64("msg_id", call.MsgID),
				zap.Stringer("method", call.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				code, _ := message.CodeOf(err)
				log.Info("call failed", append(fields,
					zap.Int("code", int(code)),
					zap.String("code_name", code.String()),
					zap.Error(err),
				)...)
				return v, err
			}
			log.Debug("call handled", fields...)
			return v, nil
		}
	}
}
