// Package export renders the itinerary as a printable PDF with a QR code
// pointing back at the live, shared copy.
package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"

	"tripsync/itinerary"
	"tripsync/models"
)

// ItineraryPDF lays out one section per day. An empty shareURL omits the QR code.
func ItineraryPDF(title string, days []models.Day, shareURL string) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(title, true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(120, 10, tr(title))
	pdf.Ln(14)

	if shareURL != "" {
		qrPNG, err := qrcode.Encode(shareURL, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("share code: %w", err)
		}
		imageOpts := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("share", imageOpts, bytes.NewReader(qrPNG))
		pdf.ImageOptions("share", 160, 10, 35, 35, false, imageOpts, 0, "")
	}

	for _, d := range days {
		pdf.SetFont("Arial", "B", 13)
		pdf.CellFormat(0, 8, tr(fmt.Sprintf("Day %d  %s  %s", d.DayNumber, d.Date, d.Theme)), "B", 1, "", false, 0, "")
		pdf.SetFont("Arial", "I", 10)
		pdf.CellFormat(0, 6, tr(strings.TrimSpace(d.Location+"  "+d.Weather)), "", 1, "", false, 0, "")

		pdf.SetFont("Arial", "", 11)
		for _, it := range d.Items {
			pdf.CellFormat(25, 6, tr(it.Time), "", 0, "", false, 0, "")
			pdf.CellFormat(35, 6, tr(string(it.Type)), "", 0, "", false, 0, "")
			pdf.MultiCell(0, 6, tr(itemLine(it)), "", "", false)
		}
		pdf.Ln(4)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func itemLine(it models.Item) string {
	line := it.Name
	if it.Detail != "" {
		line += " - " + it.Detail
	}
	if len(it.Tags) > 0 {
		line += " [" + strings.Join(it.Tags, ", ") + "]"
	}
	return line
}

// Itinerary serves the current itinerary as a PDF download.
// GET /api/itinerary/export
func Itinerary(s *itinerary.Store, title, shareURL string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		out, err := ItineraryPDF(title, s.Days(), shareURL)
		if err != nil {
			http.Error(w, "Failed to generate PDF", http.StatusInternalServerError)
			return
		}

		name := fmt.Sprintf("itinerary-%s.pdf", time.Now().Format("20060102"))
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", "attachment; filename="+name)
		w.WriteHeader(http.StatusOK)
		w.Write(out)
	}
}
