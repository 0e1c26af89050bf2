package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/carck/gg"
)

const (
	plotWidth  = 800
	plotHeight = 600
	margin     = 60
)

var seriesColors = [][3]float64{
	{0.12, 0.47, 0.71},
	{1.00, 0.50, 0.05},
	{0.17, 0.63, 0.17},
	{0.84, 0.15, 0.16},
	{0.58, 0.40, 0.74},
	{0.55, 0.34, 0.29},
}

func newCanvas(title string) *gg.Context {
	dc := gg.NewContext(plotWidth, plotHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(title, plotWidth/2, margin/2, 0.5, 0.5)
	return dc
}

func axes(dc *gg.Context) {
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(1)
	dc.DrawLine(margin, margin, margin, plotHeight-margin)
	dc.DrawLine(margin, plotHeight-margin, plotWidth-margin, plotHeight-margin)
	dc.Stroke()
}

// PlotAccuracy draws mean fold accuracy per variant as bars with a one standard
// deviation whisker.
func PlotAccuracy(path string, variants []Variant) error {
	dc := newCanvas("Cross-validation accuracy per variant")
	axes(dc)

	h := float64(plotHeight - 2*margin)
	for _, tick := range []float64{0, 0.25, 0.5, 0.75, 1} {
		y := float64(plotHeight-margin) - tick*h
		dc.DrawStringAnchored(fmt.Sprintf("%.0f%%", tick*100), margin-8, y, 1, 0.5)
	}

	if len(variants) == 0 {
		return dc.SavePNG(path)
	}

	slot := float64(plotWidth-2*margin) / float64(len(variants))
	for i, v := range variants {
		x := float64(margin) + float64(i)*slot + slot*0.2
		bw := slot * 0.6
		bh := v.MeanAccuracy * h
		c := seriesColors[i%len(seriesColors)]

		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(x, float64(plotHeight-margin)-bh, bw, bh)
		dc.Fill()

		std := v.StdAccuracy() * h
		mid := x + bw/2
		dc.SetRGB(0, 0, 0)
		dc.DrawLine(mid, float64(plotHeight-margin)-bh-std, mid, float64(plotHeight-margin)-bh+std)
		dc.Stroke()

		dc.DrawStringAnchored(v.Name, mid, float64(plotHeight-margin)+16, 0.5, 0.5)
		dc.DrawStringAnchored(fmt.Sprintf("%.1f%%", v.MeanAccuracy*100), mid, float64(plotHeight-margin)-bh-std-10, 0.5, 0.5)
	}
	return dc.SavePNG(path)
}

// PlotConfusion draws the row-normalized confusion matrix as a heat map.
func PlotConfusion(path, title string, c *Confusion) error {
	dc := newCanvas(title)
	n := len(c.Labels)
	if n == 0 {
		return dc.SavePNG(path)
	}

	size := math.Min(float64(plotWidth-3*margin), float64(plotHeight-3*margin))
	cell := size / float64(n)
	left := float64(2 * margin)
	top := float64(margin)

	for i, row := range c.Normalized() {
		for j, v := range row {
			x := left + float64(j)*cell
			y := top + float64(i)*cell
			dc.SetRGB(1-v*0.88, 1-v*0.53, 1-v*0.29)
			dc.DrawRectangle(x, y, cell, cell)
			dc.Fill()

			if v > 0.5 {
				dc.SetRGB(1, 1, 1)
			} else {
				dc.SetRGB(0, 0, 0)
			}
			dc.DrawStringAnchored(fmt.Sprintf("%.2f", v), x+cell/2, y+cell/2, 0.5, 0.5)
		}
	}

	dc.SetRGB(0, 0, 0)
	for i, l := range c.Labels {
		dc.DrawStringAnchored(l, left-6, top+float64(i)*cell+cell/2, 1, 0.5)
		dc.DrawStringAnchored(l, left+float64(i)*cell+cell/2, top+size+14, 0.5, 0.5)
	}
	dc.DrawStringAnchored("predicted", left+size/2, top+size+34, 0.5, 0.5)
	dc.DrawStringAnchored("actual", left-6, top-12, 1, 0.5)
	return dc.SavePNG(path)
}

// PlotHistories draws training and validation accuracy per epoch for every fold.
// Validation curves are drawn thinner.
func PlotHistories(path, title string, histories []History) error {
	dc := newCanvas(title)
	axes(dc)

	epochs := 0
	for _, h := range histories {
		epochs = max(epochs, len(h.Accuracy), len(h.ValAccuracy))
	}
	if epochs < 2 {
		return dc.SavePNG(path)
	}

	w := float64(plotWidth - 2*margin)
	h := float64(plotHeight - 2*margin)
	point := func(epoch int, acc float64) (float64, float64) {
		return float64(margin) + float64(epoch)/float64(epochs-1)*w, float64(plotHeight-margin) - acc*h
	}

	line := func(values []float64, width float64) {
		if len(values) < 2 {
			return
		}
		dc.SetLineWidth(width)
		x, y := point(0, values[0])
		dc.MoveTo(x, y)
		for e := 1; e < len(values); e++ {
			x, y = point(e, values[e])
			dc.LineTo(x, y)
		}
		dc.Stroke()
	}

	for i, hist := range histories {
		c := seriesColors[i%len(seriesColors)]
		dc.SetRGB(c[0], c[1], c[2])
		line(hist.Accuracy, 2)
		line(hist.ValAccuracy, 1)
		dc.DrawString(fmt.Sprintf("fold %d", hist.Fold), plotWidth-margin-60, float64(margin+16*(i+1)))
	}

	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored("epoch", plotWidth/2, plotHeight-margin/3, 0.5, 0.5)
	dc.DrawStringAnchored(fmt.Sprint(epochs), plotWidth-margin, plotHeight-margin+14, 0.5, 0.5)
	return dc.SavePNG(path)
}

// History pairs a fold index with its per-epoch metrics.
type History struct {
	Fold        int
	Accuracy    []float64
	ValAccuracy []float64
}

// WritePlots renders every plot of a summary into its run directory and returns the files.
func WritePlots(root string, s *Summary) ([]string, error) {
	dir := s.Dir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	var files []string

	path := filepath.Join(dir, "accuracy.png")
	if err := PlotAccuracy(path, s.Variants); err != nil {
		return files, fmt.Errorf("report: %w", err)
	}
	files = append(files, path)

	for _, v := range s.Variants {
		if v.Confusion != nil {
			path := filepath.Join(dir, v.Name+"-confusion.png")
			if err := PlotConfusion(path, v.Name+" confusion (normalized)", v.Confusion); err != nil {
				return files, fmt.Errorf("report: %w", err)
			}
			files = append(files, path)
		}
		if len(v.Histories) > 0 {
			hs := make([]History, len(v.Histories))
			for i, h := range v.Histories {
				hs[i] = History{Fold: i, Accuracy: h.Accuracy, ValAccuracy: h.ValAccuracy}
			}
			path := filepath.Join(dir, v.Name+"-history.png")
			if err := PlotHistories(path, v.Name+" training history", hs); err != nil {
				return files, fmt.Errorf("report: %w", err)
			}
			files = append(files, path)
		}
	}
	return files, nil
}
