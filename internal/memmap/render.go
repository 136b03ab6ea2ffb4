package memmap

import (
	"fmt"
	"io"
	"math/bits"

	"github.com/dustin/go-humanize"
	"github.com/fogleman/gg"
	"github.com/jedib0t/go-pretty/v6/table"
)

// WriteTable renders ranges as a text table.
func WriteTable(w io.Writer, ranges []Range) {
	if len(ranges) == 0 {
		_, _ = fmt.Fprintln(w, "(empty memory map)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Start", "End", "Size", "In use", "Category", "Description"})
	for _, r := range ranges {
		t.AppendRow(table.Row{
			fmt.Sprintf("0x%08x", r.Start),
			fmt.Sprintf("0x%08x", r.End),
			humanize.IBytes(uint64(r.Size())),
			humanize.IBytes(uint64(r.InUse())),
			string(r.Category),
			r.Description,
		})
	}
	t.Render()
}

var categoryColors = map[Category]string{
	CategoryEBDA:    "#8d99ae",
	CategoryVGA:     "#5c677d",
	CategoryELF:     "#ef233c",
	CategoryPreHeap: "#f4a261",
	CategoryStatman: "#2a9d8f",
	CategoryStack:   "#e9c46a",
	CategoryHeap:    "#264653",
	CategoryNA:      "#d9d9d9",
}

const (
	pngRowHeight = 22
	pngLabelW    = 260
	pngMargin    = 10
)

// RenderPNG draws one bar per range. Bar length is proportional to log2 of
// the range size so that a few KiB and several GiB fit the same picture; the
// darker part of each bar is the in-use share.
func RenderPNG(w io.Writer, ranges []Range, width int) error {
	if width < pngLabelW+2*pngMargin+64 {
		return fmt.Errorf("memmap: image width %d too small", width)
	}
	height := 2*pngMargin + pngRowHeight*max(len(ranges), 1)

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	barMax := float64(width - pngLabelW - 2*pngMargin)
	for i, r := range ranges {
		y := float64(pngMargin + i*pngRowHeight)
		barW := barMax * float64(bits.Len64(uint64(r.Size()))) / 64
		used := barW
		if size := r.Size(); size > 0 && r.InUse() < size {
			used = barW * float64(r.InUse()) / float64(size)
		}

		color, ok := categoryColors[r.Category]
		if !ok {
			color = "#999999"
		}
		dc.SetHexColor(color)
		dc.DrawRectangle(pngLabelW, y+2, barW, pngRowHeight-4)
		dc.Fill()
		dc.SetRGBA(0, 0, 0, 0.35)
		dc.DrawRectangle(pngLabelW, y+2, used, pngRowHeight-4)
		dc.Fill()

		dc.SetRGB(0, 0, 0)
		dc.DrawString(fmt.Sprintf("0x%08x %s", r.Start, r.Category), pngMargin, y+pngRowHeight-7)
		dc.DrawString(humanize.IBytes(uint64(r.Size())), pngLabelW+barW+4, y+pngRowHeight-7)
	}
	return dc.EncodePNG(w)
}
