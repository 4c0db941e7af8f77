package commands

import (
	"os"

	"github.com/microsoft/perldbg/pkg/logger"
	"github.com/microsoft/perldbg/pkg/osutil"
)

// ErrorExit reports err on standard error, flushes the log and exits with the given code.
func ErrorExit(log *logger.Logger, err error, code int) {
	os.Stderr.WriteString(err.Error() + string(osutil.LineSep()))
	log.Error(err, "perldbg command failed")
	log.Flush()
	os.Exit(code)
}
