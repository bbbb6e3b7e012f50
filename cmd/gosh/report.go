// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"gosh-builder/internal/issue"
)

// reportStyle is the glamour style for catalog entries and reports.
const reportStyle = "dark"

var renderMarkdown = glamour.Render

// reportError prints the catalog entry explaining err, the validation diff
// when there is one and the actionable details, then wraps err with its exit
// status. The one-line message itself is printed by the command runner.
func reportError(w io.Writer, err error, verbose bool) error {
	if entry := issue.ForError(err); entry != nil {
		if rendered, renderErr := entry.Render(reportStyle); renderErr == nil {
			fmt.Fprint(w, rendered)
		}
	}

	var ve *issue.ValidationError
	if errors.As(err, &ve) {
		if rendered, renderErr := renderMarkdown(validationReport(ve), reportStyle); renderErr == nil {
			fmt.Fprint(w, rendered)
		} else {
			fmt.Fprint(w, validationReport(ve))
		}
	}

	var ae *issue.ActionableError
	if errors.As(err, &ae) && (verbose || ae.HasSuggestions()) {
		fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("Error:"), ae.Format(verbose))
	}

	return &ExitError{Code: issue.ExitCode(err), Err: err}
}

// validationReport lists the components that differ, as markdown.
func validationReport(ve *issue.ValidationError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Bill of materials differs from `%s`\n\n", ve.Path)
	writeSection(&b, "Committed but not fetched", ve.Missing)
	writeSection(&b, "Fetched but not committed", ve.Unexpected)
	return b.String()
}

func writeSection(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- `%s`\n", item)
	}
	b.WriteString("\n")
}
