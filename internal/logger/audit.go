package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

var (
	auditMu  sync.Mutex
	auditLog *log.Logger
)

// SetAuditWriter enables the order audit trail. Pass nil to disable.
func SetAuditWriter(w io.Writer) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if w == nil {
		auditLog = nil
		return
	}
	auditLog = log.New(w, "", log.LstdFlags)
}

type auditSection struct {
	Title string
	Body  string
}

func logAudit(kind, symbol, orderID string, sections []auditSection) {
	auditMu.Lock()
	logger := auditLog
	auditMu.Unlock()
	if logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[ORDER]")
	if kind != "" {
		b.WriteString("[")
		b.WriteString(kind)
		b.WriteString("]")
	}
	if symbol != "" {
		b.WriteString("[")
		b.WriteString(symbol)
		b.WriteString("]")
	}
	if orderID != "" {
		b.WriteString("[")
		b.WriteString(orderID)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		body := sec.Body
		b.WriteString(body)
		if !strings.HasSuffix(body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	logger.Print(b.String())
}

// AuditOrderRequest records an outbound order exactly as it was handed to
// the broker, keyed by client order id for later replay.
func AuditOrderRequest(symbol, clientOrderID, payload string) {
	logAudit("request", symbol, clientOrderID, []auditSection{{Title: "PAYLOAD", Body: payload}})
}

// AuditOrderOutcome records the terminal result of an order (ack, fill,
// cancel or rejection).
func AuditOrderOutcome(symbol, clientOrderID, outcome, detail string) {
	sections := []auditSection{{Title: "OUTCOME", Body: outcome}}
	if strings.TrimSpace(detail) != "" {
		sections = append(sections, auditSection{Title: "DETAIL", Body: detail})
	}
	logAudit("outcome", symbol, clientOrderID, sections)
}
