package assert

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/caseload/knockbacksync/oerror"
)

// IsTrue panics with an oerror.Error built from message and args if ok is false. The message is
// prefixed with the file and line of the caller.
func IsTrue(ok bool, message string, args ...interface{}) {
	if ok {
		return
	}
	if _, file, line, found := runtime.Caller(1); found {
		message = fmt.Sprintf("%s:%d: %s", filepath.Base(file), line, message)
	}
	panic(oerror.New(message, args...))
}
