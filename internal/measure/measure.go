// Package measure times the steps of a write so that slow devices are easy
// to spot.
package measure

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Interactively prints “[status]” and returns a func which overwrites it with
// the elapsed time once the step is done.
func Interactively(w io.Writer, status string) (done func(fragment string)) {
	status = "[" + status + "]"
	fmt.Fprint(w, status)
	start := time.Now()
	return func(fragment string) {
		elapsed := time.Since(start)
		fmt.Fprintf(w, "\r[done] in %.2fs%s"+strings.Repeat(" ", len(status))+"\n",
			elapsed.Seconds(),
			fragment)
	}
}
