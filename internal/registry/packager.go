package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/phpdave11/gofpdf"

	"device-recovery/internal/archive"
	"device-recovery/internal/recovery"
)

const packageBatchSize = 10

// ErrUnpackable marks packaging errors that a retry cannot fix. Any other packaging error
// leaves the case in processing for the next tick.
var ErrUnpackable = errors.New("case cannot be packaged")

// Manifest is the machine-readable summary stored next to the PDF report.
type Manifest struct {
	CaseID       string              `json:"case_id"`
	ClientNumber string              `json:"client_number"`
	DeviceType   recovery.DeviceType `json:"device_type"`
	DeviceSerial string              `json:"device_serial,omitempty"`
	Statistics   map[string]int      `json:"statistics"`
	TotalItems   int                 `json:"total_items"`
	Report       string              `json:"report"`
	CreatedAt    time.Time           `json:"created_at"`
	GeneratedAt  time.Time           `json:"generated_at"`
	Events       []Event             `json:"events"`
}

// Packager turns processing cases into a PDF report and a JSON manifest in the archive, then
// completes them. Only a case that can never be packaged is moved to failed; archive and
// store errors are retried on the next tick.
type Packager struct {
	svc      *Service
	store    archive.Store
	interval time.Duration
	logger   *slog.Logger
	render   func(io.Writer, *CaseDetail, time.Time) error

	stop   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewPackager(svc *Service, store archive.Store, interval time.Duration, logger *slog.Logger) *Packager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Packager{
		svc:      svc,
		store:    store,
		interval: interval,
		logger:   logger,
		render:   WriteReport,
		stop:     make(chan struct{}),
	}
}

func (p *Packager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ProcessBatch(ctx)
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop cancels a running batch and returns once the worker has exited.
func (p *Packager) Stop() {
	p.once.Do(func() {
		close(p.stop)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
}

// ProcessBatch packages up to one batch of processing cases and returns how many completed.
func (p *Packager) ProcessBatch(ctx context.Context) int {
	cases, err := p.svc.Processing(ctx, packageBatchSize)
	if err != nil {
		p.logger.Error("Packager: listing processing cases failed", "error", err)
		return 0
	}
	done := 0
	for _, c := range cases {
		if err := p.Package(ctx, c.ID); err != nil {
			if !errors.Is(err, ErrUnpackable) {
				p.logger.Warn("Packaging deferred", "case_id", c.ID, "error", err)
				continue
			}
			p.logger.Error("Packaging failed", "case_id", c.ID, "error", err)
			if _, ferr := p.svc.Fail(ctx, c.ID, "packaging failed: "+err.Error()); ferr != nil {
				p.logger.Error("Failed to mark case failed", "case_id", c.ID, "error", ferr)
			}
			continue
		}
		done++
	}
	return done
}

// Package writes the report and manifest of one case and marks it completed.
func (p *Packager) Package(ctx context.Context, id string) error {
	detail, err := p.svc.Get(ctx, id)
	if err != nil {
		return err
	}
	if detail.Status != recovery.StatusProcessing {
		return fmt.Errorf("%w: package in %s", recovery.ErrInvalidTransition, detail.Status)
	}
	now := p.svc.now().UTC()

	var pdf bytes.Buffer
	if err := p.render(&pdf, detail, now); err != nil {
		return fmt.Errorf("%w: render report: %w", ErrUnpackable, err)
	}
	prefix := "cases/" + detail.ID + "/"
	reportLoc, err := p.store.Put(ctx, prefix+"report.pdf", pdf.Bytes(), "application/pdf")
	if err != nil {
		return fmt.Errorf("store report: %w", err)
	}

	m := Manifest{
		CaseID:       detail.ID,
		ClientNumber: detail.ClientNumber,
		DeviceType:   detail.DeviceType,
		DeviceSerial: detail.DeviceSerial,
		Statistics:   detail.Statistics,
		Report:       reportLoc,
		CreatedAt:    detail.CreatedAt,
		GeneratedAt:  now,
		Events:       detail.Events,
	}
	for _, n := range detail.Statistics {
		m.TotalItems += n
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %w", ErrUnpackable, err)
	}
	manifestLoc, err := p.store.Put(ctx, prefix+"manifest.json", data, "application/json")
	if err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}

	if _, err := p.svc.MarkPackaged(ctx, detail.ID, manifestLoc); err != nil {
		return err
	}
	p.logger.Info("Case packaged", "case_id", detail.ID, "manifest", manifestLoc)
	return nil
}

// WriteReport renders the case report PDF.
func WriteReport(w io.Writer, d *CaseDetail, generatedAt time.Time) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Device Recovery Report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 9, "Device Recovery Report", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, "Generated at: "+generatedAt.Format("2006-01-02 15:04:05 MST"), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	sectionTitle(pdf, "1. Case")
	kv(pdf, "Case ID", d.ID)
	kv(pdf, "Client", d.ClientNumber)
	kv(pdf, "Device type", string(d.DeviceType))
	kv(pdf, "Device serial", d.DeviceSerial)
	kv(pdf, "Created", fmtTime(d.CreatedAt))
	kv(pdf, "Expires", fmtTime(d.ExpiresAt))
	pdf.Ln(2)

	sectionTitle(pdf, "2. Recovered items")
	names := make([]string, 0, len(d.Statistics))
	total := 0
	for name, n := range d.Statistics {
		names = append(names, name)
		total += n
	}
	sort.Strings(names)
	if len(names) == 0 {
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(none)", "", "L", false)
	}
	for _, name := range names {
		kv(pdf, name, fmt.Sprintf("%d", d.Statistics[name]))
	}
	kv(pdf, "Total", fmt.Sprintf("%d", total))
	pdf.Ln(2)

	sectionTitle(pdf, "3. Audit trail")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(40, 40, 40)
	for _, e := range d.Events {
		line := fmt.Sprintf("%s  %s  %s -> %s", fmtTime(e.At), e.Event, orDash(string(e.From)), e.To)
		if e.Detail != "" {
			line += "  (" + e.Detail + ")"
		}
		pdf.MultiCell(0, 4.5, safeText(line), "", "L", false)
	}

	return pdf.Output(w)
}

func sectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, key, value string) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(40, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(orDash(value)), "", "L", false)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// safeText replaces characters the core fonts cannot render.
func safeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r >= 32 && r <= 126:
			b.WriteRune(r)
		default:
			b.WriteByte('?')
		}
	}
	return strings.TrimSpace(b.String())
}
