package invoicedoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/web"
)

// ErrRenderingUnavailable is returned when the PDF could not be produced or stored.
var ErrRenderingUnavailable = errors.New("invoicedoc: rendering unavailable")

// documentNamespace seeds the deterministic document file names.
var documentNamespace = uuid.MustParse("3f0d9c52-7a51-4c59-9a43-8a3d8f6c2b10")

// PDFClient exposes the subset of the report client used by the renderer.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Config controls where documents are written and how they are addressed.
type Config struct {
	StorageDir string
	BaseURL    string
}

// Renderer turns invoices into PDF files via html/template and Gotenberg.
type Renderer struct {
	tpl     *template.Template
	client  PDFClient
	dir     string
	baseURL string
	logger  *slog.Logger
}

// NewRenderer parses the invoice template and wires the PDF client.
func NewRenderer(client PDFClient, cfg Config, logger *slog.Logger) (*Renderer, error) {
	if client == nil {
		return nil, fmt.Errorf("invoicedoc renderer: pdf client required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	printer := message.NewPrinter(language.MustParse("en-IN"))
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006")
		},
		"formatAmount": func(v decimal.Decimal) string {
			return FormatAmount(printer, v)
		},
		"inc": func(i int) int { return i + 1 },
	}
	tpl, err := template.New("invoice.html").Funcs(funcMap).ParseFS(web.Templates, "templates/invoices/invoice.html")
	if err != nil {
		return nil, err
	}
	dir := cfg.StorageDir
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(os.TempDir(), "invoices")
	}
	return &Renderer{
		tpl:     tpl,
		client:  client,
		dir:     dir,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger,
	}, nil
}

type documentData struct {
	Invoice      dues.Invoice
	Customer     dues.Customer
	Items        []dues.DocumentItem
	Consolidated bool
}

// HTML executes the invoice template.
func (r *Renderer) HTML(req dues.DocumentRequest) (string, error) {
	buf := &bytes.Buffer{}
	data := documentData{
		Invoice:      req.Invoice,
		Customer:     req.Customer,
		Items:        req.Items,
		Consolidated: req.Invoice.TicketID == 0,
	}
	if err := r.tpl.Execute(buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Render produces the PDF, stores it and returns its URL. Rendering the same
// invoice again overwrites the same file.
func (r *Renderer) Render(ctx context.Context, req dues.DocumentRequest) (string, error) {
	if r == nil || r.tpl == nil || r.client == nil {
		return "", fmt.Errorf("%w: renderer not initialised", ErrRenderingUnavailable)
	}
	html, err := r.HTML(req)
	if err != nil {
		return "", fmt.Errorf("%w: template: %v", ErrRenderingUnavailable, err)
	}
	pdf, err := r.client.RenderHTML(ctx, html)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRenderingUnavailable, err)
	}
	name := FileName(req.Invoice)
	if err := r.save(name, pdf); err != nil {
		return "", fmt.Errorf("%w: store: %v", ErrRenderingUnavailable, err)
	}
	r.logger.Info("invoice document ready",
		slog.Int64("invoice_id", req.Invoice.ID),
		slog.String("file", name),
		slog.Int("bytes", len(pdf)))
	return r.baseURL + "/" + name, nil
}

// Dir is where rendered documents are stored.
func (r *Renderer) Dir() string {
	return r.dir
}

func (r *Renderer) save(name string, pdf []byte) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(r.dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(pdf); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(r.dir, name))
}

// FileName is the stable file name of an invoice document.
func FileName(inv dues.Invoice) string {
	token := uuid.NewSHA1(documentNamespace, []byte(fmt.Sprintf("%d:%s", inv.ID, inv.Number)))
	return fmt.Sprintf("%s-%s.pdf", sanitize(inv.Number), token.String()[:8])
}

// FormatAmount prints a rupee amount with two decimals and locale grouping.
func FormatAmount(p *message.Printer, v decimal.Decimal) string {
	f := v.Round(2).InexactFloat64()
	return "₹" + p.Sprintf("%v", number.Decimal(f, number.Scale(2)))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "invoice"
	}
	return b.String()
}
