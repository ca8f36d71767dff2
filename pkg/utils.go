package pkg

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/colorstring"
)

// Output receives the progress lines printed by PrintTask and friends
var Output io.Writer = os.Stdout

func PrintTask(msg string) {
	colorstring.Fprintf(Output, "[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(msg string) {
	colorstring.Fprintf(Output, "[green][bold]  ->[reset] %s\n", msg)
}

func PrintError(msg string) {
	colorstring.Fprintf(Output, "[red][bold]  ->[reset] %s\n", msg)
}

// PrintSubtaskf is PrintSubtask with a format string
func PrintSubtaskf(format string, args ...interface{}) {
	PrintSubtask(fmt.Sprintf(format, args...))
}
