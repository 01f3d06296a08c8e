// -----------------------------------------------------------------------
// stash-parser - Document extraction subprocess.
// Reads one JSON request on stdin, writes one JSON response on stdout.
// The parent caps this process's heap via GOMEMLIMIT.
// -----------------------------------------------------------------------

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/ternarybob/stash/internal/services/parser"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			writeResponse(&parser.Response{
				Error: fmt.Sprintf("panic: %v", r),
				Stack: string(debug.Stack()),
			})
			code = 1
		}
	}()

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		writeResponse(&parser.Response{Error: fmt.Sprintf("failed to read stdin: %v", err)})
		return 1
	}

	var req parser.Request
	if err := json.Unmarshal(input, &req); err != nil {
		writeResponse(&parser.Response{Error: fmt.Sprintf("request does not parse: %v", err)})
		return 1
	}

	resp, err := parser.Extract(&req)
	if err != nil {
		writeResponse(&parser.Response{Error: err.Error()})
		return 1
	}

	writeResponse(resp)
	return 0
}

func writeResponse(resp *parser.Response) {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write response: %v\n", err)
	}
}
