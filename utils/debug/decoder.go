package debug

import (
	"fmt"
	"runtime/debug"
)

// PanicDecoderWrapper converts a panic of the wrapped function into a *PanicErrorMessage.
func PanicDecoderWrapper(wrapped func(msg interface{}) error) func(msg interface{}) error {
	return func(msg interface{}) (err error) {
		defer func() {
			if pErr := recover(); pErr != nil {
				err = &PanicErrorMessage{Msg: msg, Inner: fmt.Sprint(pErr), Stacktrace: debug.Stack()}
			}
		}()
		err = wrapped(msg)
		return err
	}
}
