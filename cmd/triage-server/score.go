package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/triage/triage/internal/scoring"
)

// scoreInput is one vitals document. Documents may be concatenated or
// newline-delimited.
type scoreInput struct {
	Ref            string            `json:"ref,omitempty"`
	Vitals         scoring.RawVitals `json:"vitals"`
	ManualRedFlags []string          `json:"manual_red_flags"`
}

type scoreOutput struct {
	Ref             string                  `json:"ref,omitempty"`
	Valid           bool                    `json:"valid"`
	Errors          []scoring.Issue         `json:"errors,omitempty"`
	Warnings        []scoring.Issue         `json:"warnings,omitempty"`
	Assessment      *scoring.RiskAssessment `json:"assessment,omitempty"`
	Advisory        []scoring.Item          `json:"advisory,omitempty"`
	AdvisoryVersion string                  `json:"advisory_version,omitempty"`
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [file]",
		Short: "Score vitals documents offline (reads stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetString("guideline")

			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			invalid, err := runScore(in, cmd.OutOrStdout(), version)
			if err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d document(s) failed validation", invalid)
			}
			return nil
		},
	}
	cmd.Flags().String("guideline", scoring.CurrentGuidelineVersion, "Guideline revision used for advice")
	return cmd
}

// runScore scores every document read from r and writes one JSON result per
// line to w. It returns how many documents failed validation.
func runScore(r io.Reader, w io.Writer, version string) (int, error) {
	guideline, ok := scoring.GuidelineByVersion(version)
	if !ok {
		return 0, fmt.Errorf("unknown guideline version %q (known: %v)", version, scoring.GuidelineVersions())
	}

	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	invalid := 0
	for n := 1; ; n++ {
		var doc scoreInput
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return invalid, nil
			}
			return invalid, fmt.Errorf("document %d: %w", n, err)
		}

		out := scoreDocument(doc, guideline, version)
		if !out.Valid {
			invalid++
		}
		if err := enc.Encode(out); err != nil {
			return invalid, err
		}
	}
}

func scoreDocument(doc scoreInput, guideline *scoring.Guideline, version string) scoreOutput {
	vitals, rep := scoring.ValidateRaw(doc.Vitals)
	out := scoreOutput{
		Ref:      doc.Ref,
		Valid:    rep.Valid,
		Errors:   rep.Errors,
		Warnings: rep.Warnings,
	}
	if !rep.Valid {
		return out
	}
	a := scoring.Score(vitals, doc.ManualRedFlags)
	out.Assessment = &a
	out.Advisory = guideline.Advise(a.RiskTier)
	out.AdvisoryVersion = version
	return out
}
