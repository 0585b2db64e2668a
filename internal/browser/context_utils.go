// internal/browser/context_utils.go
package browser

import (
	"context"

	jsoniter "github.com/json-iterator/go"
)

// CombineContext returns a context that carries parentCtx's values and is
// cancelled when either parentCtx or secondaryCtx is done. chromedp needs the
// tab context as the parent, while deadlines come from the caller.
func CombineContext(parentCtx, secondaryCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(parentCtx)
	stop := context.AfterFunc(secondaryCtx, func() {
		cancel(context.Cause(secondaryCtx))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
