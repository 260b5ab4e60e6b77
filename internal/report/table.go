// Package report renders batch assessments for humans.
package report

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/timvw/hallucination-gate/internal/model"
	"github.com/timvw/hallucination-gate/internal/planner"
)

// Options control table rendering.
type Options struct {
	// Color enables lipgloss styling with Theme.
	Color bool
	Theme Theme
	// Markdown renders a GitHub-flavoured Markdown table instead of box
	// drawing.
	Markdown bool
	// AnswerWidth truncates the answer/error column. Zero means 60.
	AnswerWidth int
}

// Table writes one row per item, a totals footer and the certificate
// headline to w.
func Table(w io.Writer, r *planner.BatchReport, opts Options) error {
	st := plainStyles()
	if opts.Color {
		st = newStyles(opts.Theme)
	}
	width := opts.AnswerWidth
	if width <= 0 {
		width = 60
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"#", "Item", "Decision", "ISR", "Δ̄ (bits)", "B2T (bits)", "RoH bound", "q̄", "Answer / Error"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, WidthMax: 40},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, WidthMax: width},
	})

	var answered, refused, failed int
	for _, res := range r.Results {
		label := res.Item.Label()
		if res.Err != nil {
			failed++
			tw.AppendRow(table.Row{res.Index + 1, label, st.failed.Render("ERROR"), "", "", "", "", "",
				st.failed.Render(errorText(res.Err))})
			continue
		}
		m := res.Metric
		decision := st.refuse.Render(model.DecisionRefuse)
		if m.DecisionAnswer {
			answered++
			decision = st.answer.Render(model.DecisionAnswer)
		} else {
			refused++
		}
		var answer string
		if res.Evaluation != nil && res.Evaluation.Answer != nil {
			answer = oneLine(*res.Evaluation.Answer)
		}
		tw.AppendRow(table.Row{
			res.Index + 1, label, decision,
			fmt.Sprintf("%.3f", m.ISR()),
			fmt.Sprintf("%.3f", m.DeltaBar),
			fmt.Sprintf("%.3f", m.B2T),
			fmt.Sprintf("%.4f", m.RohBound),
			fmt.Sprintf("%.2f", m.QAvg),
			answer,
		})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d items", len(r.Results)),
		fmt.Sprintf("%d answer / %d refuse / %d error", answered, refused, failed)})

	var out string
	if opts.Markdown {
		out = tw.RenderMarkdown()
	} else {
		out = tw.Render()
	}
	if _, err := fmt.Fprintln(w, out); err != nil {
		return err
	}

	if r.Certificate != nil {
		_, err := fmt.Fprintf(w, "\n%s\n%s\n",
			st.headline.Render("SLA certificate "+r.Certificate.ID),
			st.muted.Render(r.Certificate.Summary()))
		return err
	}
	if r.CertificateErr != nil {
		_, err := fmt.Fprintf(w, "\n%s\n", st.failed.Render(r.CertificateErr.Error()))
		return err
	}
	return nil
}

// errorText renders an item error without the "item N (id):" prefix the
// row already shows.
func errorText(err error) string {
	var ie *model.ItemError
	if errors.As(err, &ie) && ie.Err != nil {
		return fmt.Sprintf("%s: %s", model.ErrorKind(ie.Err), oneLine(ie.Err.Error()))
	}
	return oneLine(err.Error())
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
