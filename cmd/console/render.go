package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/feichai0017/building-console/internal/models"
)

const barWidth = 30

// progressBar redraws one terminal line.
type progressBar struct {
	mu    sync.Mutex
	out   io.Writer
	label string
	last  int
	drawn bool
}

func newProgressBar(out io.Writer, label string) *progressBar {
	return &progressBar{out: out, label: label, last: -1}
}

func (b *progressBar) Update(percent int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if percent == b.last {
		return
	}
	b.last = percent
	b.drawn = true
	fmt.Fprintf(b.out, "\r%s", renderBar(b.label, percent))
}

func (b *progressBar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawn {
		fmt.Fprintln(b.out)
		b.drawn = false
	}
}

func renderBar(label string, percent int) string {
	percent = max(0, min(100, percent))
	filled := percent * barWidth / 100
	return fmt.Sprintf("%s [%s%s] %3d%%", label, strings.Repeat("#", filled), strings.Repeat(" ", barWidth-filled), percent)
}

// writePreview prints what a BIM commit would create.
func writePreview(out io.Writer, p *models.ImportPreview) {
	m := p.Metrics
	fmt.Fprintf(out, "Floors: %d  Key locations: %d  Gross area: %.2f  Height: %.2f\n",
		m.FloorCount, m.KeyLocationCount, m.GrossArea, m.TotalHeight)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tNAME\tELEVATION\tKEY LOCATIONS")
	for _, f := range p.Floors {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%d\n", f.Level, f.Name, f.Elevation, f.KeyLocations)
	}
	_ = tw.Flush()

	if len(p.Materials) > 0 {
		names := make([]string, 0, len(p.Materials))
		for _, mat := range p.Materials {
			names = append(names, fmt.Sprintf("%s (%d)", mat.Name, mat.Count))
		}
		fmt.Fprintf(out, "Materials: %s\n", strings.Join(names, ", "))
	}
}
