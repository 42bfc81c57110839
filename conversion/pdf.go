package conversion

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/go-pdf/fpdf"
)

// pixelsPerInch is the resolution assumed for images without DPI metadata.
const pixelsPerInch = 96.0

// PDFMerger assembles pages locally, one image per page, each page sized to
// its image.
type PDFMerger struct {
	Creator string
}

func NewPDFMerger() *PDFMerger {
	return &PDFMerger{Creator: "pagebinder"}
}

func pagePoints(px int) float64 {
	return float64(px) * 72.0 / pixelsPerInch
}

func (m *PDFMerger) Merge(ctx context.Context, pages []Page, w io.Writer) error {
	if len(pages) == 0 {
		return errors.New("no pages to merge")
	}

	first := fpdf.SizeType{Wd: pagePoints(pages[0].Width), Ht: pagePoints(pages[0].Height)}
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           first,
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	if m.Creator != "" {
		pdf.SetCreator(m.Creator, true)
	}

	opts := fpdf.ImageOptions{ImageType: "JPG", ReadDpi: false}
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return err
		}

		size := fpdf.SizeType{Wd: pagePoints(page.Width), Ht: pagePoints(page.Height)}
		pdf.AddPageFormat("P", size)
		pdf.RegisterImageOptionsReader(page.Name, opts, bytes.NewReader(page.Data))
		pdf.ImageOptions(page.Name, 0, 0, size.Wd, size.Ht, false, opts, 0, "")
		if pdf.Err() {
			return pdf.Error()
		}
	}

	return pdf.Output(w)
}
