package invoicedoc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/repairhub/repairhub/internal/dues"
)

type fakePDFClient struct {
	html string
	err  error
}

func (f *fakePDFClient) RenderHTML(_ context.Context, html string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.html = html
	return []byte("%PDF-1.7 fake"), nil
}

func settlementRequest() dues.DocumentRequest {
	return dues.DocumentRequest{
		Invoice: dues.Invoice{
			ID:          41,
			Number:      "INV-20240510-0007",
			CustomerID:  1,
			NetAmount:   decimal.RequireFromString("1180"),
			Status:      dues.InvoiceStatusPaid,
			PaymentMode: dues.PaymentModeUPI,
			CreatedAt:   time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC),
		},
		Customer: dues.Customer{ID: 1, Name: "Asha Rao", Mobile: "9800000001"},
		Items: []dues.DocumentItem{
			{InvoiceID: 11, InvoiceNumber: "INV-20240501-0001", TicketID: 501, Description: "Repair ticket #501", Amount: decimal.RequireFromString("880")},
			{InvoiceID: 12, InvoiceNumber: "INV-20240502-0004", TicketID: 502, Description: "Repair ticket #502", Amount: decimal.RequireFromString("300")},
		},
	}
}

func newTestRenderer(t *testing.T, client PDFClient) *Renderer {
	t.Helper()
	r, err := NewRenderer(client, Config{StorageDir: t.TempDir(), BaseURL: "http://localhost:8080/documents/"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return r
}

func TestRenderStoresPDFAndReturnsURL(t *testing.T) {
	client := &fakePDFClient{}
	r := newTestRenderer(t, client)
	req := settlementRequest()

	url, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "http://localhost:8080/documents/INV-20240510-0007-"))
	require.True(t, strings.HasSuffix(url, ".pdf"))

	stored, err := os.ReadFile(filepath.Join(r.Dir(), FileName(req.Invoice)))
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7 fake", string(stored))

	require.Contains(t, client.html, "Dues Settlement Invoice")
	require.Contains(t, client.html, "Asha Rao")
	require.Contains(t, client.html, "INV-20240502-0004")
	require.Contains(t, client.html, "1,180.00")
	require.Contains(t, client.html, "PAID")
	require.NotContains(t, client.html, "CGST")
}

func TestRenderIsRepeatable(t *testing.T) {
	r := newTestRenderer(t, &fakePDFClient{})
	req := settlementRequest()

	first, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	second, err := r.Render(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	entries, err := os.ReadDir(r.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRenderFailureIsRenderingUnavailable(t *testing.T) {
	r := newTestRenderer(t, &fakePDFClient{err: errors.New("gotenberg: 503")})

	_, err := r.Render(context.Background(), settlementRequest())
	require.ErrorIs(t, err, ErrRenderingUnavailable)
}

func TestTicketInvoiceShowsTaxSplit(t *testing.T) {
	r := newTestRenderer(t, &fakePDFClient{})
	req := settlementRequest()
	req.Invoice.TicketID = 501
	req.Invoice.CGSTAmount = decimal.RequireFromString("90")
	req.Invoice.SGSTAmount = decimal.RequireFromString("90")
	req.Invoice.Status = dues.InvoiceStatusPending

	html, err := r.HTML(req)
	require.NoError(t, err)
	require.Contains(t, html, "Tax Invoice")
	require.Contains(t, html, "CGST")
	require.NotContains(t, html, `class="stamp"`)
}

func TestFileNameIsStable(t *testing.T) {
	inv := dues.Invoice{ID: 9, Number: "INV 2024/05"}
	require.Equal(t, FileName(inv), FileName(inv))
	require.True(t, strings.HasPrefix(FileName(inv), "INV_2024_05-"))
	require.NotEqual(t, FileName(inv), FileName(dues.Invoice{ID: 10, Number: "INV 2024/05"}))
}

func TestFormatAmount(t *testing.T) {
	p := message.NewPrinter(language.MustParse("en-IN"))
	require.Equal(t, "₹1,180.00", FormatAmount(p, decimal.RequireFromString("1180")))
	require.Equal(t, "₹0.50", FormatAmount(p, decimal.RequireFromString("0.499")))
}

func TestNewRendererRequiresClient(t *testing.T) {
	_, err := NewRenderer(nil, Config{}, nil)
	require.Error(t, err)
}
