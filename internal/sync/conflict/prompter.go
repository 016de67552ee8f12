package conflict

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// Prompter is a terminal Surface. It prints both sides of a conflict and
// reads the decision from in.
type Prompter struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
}

// NewPrompter creates a terminal surface.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: in, out: out, lines: make(chan string)}
}

// readLine returns the next input line. Closing the input cancels.
func (p *Prompter) readLine(ctx context.Context) (string, error) {
	p.once.Do(func() {
		go func() {
			defer close(p.lines)
			scanner := bufio.NewScanner(p.in)
			for scanner.Scan() {
				p.lines <- strings.TrimSpace(scanner.Text())
			}
		}()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return line, nil
	}
}

func (p *Prompter) ask(ctx context.Context, prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.readLine(ctx)
	if errors.Is(err, io.EOF) {
		fmt.Fprintln(p.out)
		return "", ErrDecisionCancelled
	}
	return strings.ToLower(line), err
}

// DecideConsultation implements ConsultationSurface.
func (p *Prompter) DecideConsultation(ctx context.Context, c *ConsultationConflict) (ConsultationResolution, error) {
	v := Present(c)

	fmt.Fprintf(p.out, "\nConsultation %s was changed on the server after your offline edit.\n\n", v.ConsultationID)
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tYOUR VERSION\tSERVER VERSION")
	fmt.Fprintf(tw, "Complaints\t%s\t%s\n", orDash(v.Local.Complaints), orDash(v.Server.Complaints))
	fmt.Fprintf(tw, "Diagnosis\t%s\t%s\n", orDash(v.Local.Diagnosis), orDash(v.Server.Diagnosis))
	fmt.Fprintf(tw, "Medications\t%d\t%d\n", v.Local.MedicationCount, v.Server.MedicationCount)
	fmt.Fprintf(tw, "Last saved\t%s\t%s\n", stamp(v.Local.LastSaved), stamp(v.Server.LastSaved))
	tw.Flush()

	for {
		answer, err := p.ask(ctx, "\nKeep [l]ocal, keep [s]erver, or [c]ancel? ")
		if err != nil {
			return "", err
		}
		switch answer {
		case "l", "local":
			return KeepLocal, nil
		case "s", "server":
			return KeepServer, nil
		case "c", "cancel", "q":
			return "", ErrDecisionCancelled
		}
		fmt.Fprintf(p.out, "Unrecognised choice %q.\n", answer)
	}
}

// DecidePatient implements PatientSurface.
func (p *Prompter) DecidePatient(ctx context.Context, c *PatientConflict) (PatientResolution, error) {
	v := Present(c)

	o := v.OfflinePatient
	fmt.Fprintf(p.out, "\nThe patient registered offline may already exist:\n  %s, %s, born %s\n\n", o.Name, o.Phone, orDash(o.DOB))
	tw := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tNAME\tPHONE\tDOB\tSCORE")
	for i, cand := range v.Candidates {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.2f\n", i+1, cand.ID, cand.Name, cand.Phone, orDash(cand.DOB), cand.Score)
	}
	tw.Flush()

	for {
		answer, err := p.ask(ctx, fmt.Sprintf("\nMerge into [1-%d], create [n]ew patient, or [c]ancel? ", len(v.Candidates)))
		if err != nil {
			return PatientResolution{}, err
		}
		switch answer {
		case "n", "new":
			return CreateNew(), nil
		case "c", "cancel", "q":
			return PatientResolution{}, ErrDecisionCancelled
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(v.Candidates) {
			return MergeWith(v.Candidates[n-1].ID), nil
		}
		fmt.Fprintf(p.out, "Unrecognised choice %q.\n", answer)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
