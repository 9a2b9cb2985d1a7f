package service

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/HiroseKakeru/mqtt-telemetry/pkg/mqtt"
)

// Printer writes each delivered message as a short human-readable block.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	label *color.Color
}

// NewPrinter returns a printer writing to w. With colored false the labels
// are never coloured; otherwise colour follows the terminal.
func NewPrinter(w io.Writer, colored bool) *Printer {
	label := color.New(color.FgCyan, color.Bold)
	if !colored {
		label.DisableColor()
	}
	return &Printer{w: w, label: label}
}

// Handle implements MessageHandler.
func (p *Printer) Handle(m mqtt.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "Received message from the Broker")
	fmt.Fprintf(p.w, "\t %s %s\n", p.label.Sprint("topic:"), m.Topic)
	fmt.Fprintf(p.w, "\t %s %s\n", p.label.Sprint("payload:"), m.Payload)
}
