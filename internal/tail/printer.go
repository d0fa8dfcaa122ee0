package tail

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/deepaksharma/envelope-sidecar/core/spantree"
)

// Printer writes one summary line per frame, followed by the title of every
// event and the span tree of every transaction.
type Printer struct {
	w      io.Writer
	parser *envelope.Parser
	now    func() time.Time

	// Trees controls whether transaction span trees are rendered
	Trees bool

	id    lipgloss.Style
	kind  lipgloss.Style
	err   lipgloss.Style
	dim   lipgloss.Style
	title lipgloss.Style
}

// NewPrinter creates a printer writing to w. Colors follow the renderer's
// profile, so a renderer for a non-terminal writer prints plain text.
func NewPrinter(w io.Writer, r *lipgloss.Renderer, parser *envelope.Parser) *Printer {
	if r == nil {
		r = lipgloss.NewRenderer(w)
	}
	return &Printer{
		w:      w,
		parser: parser,
		now:    time.Now,
		Trees:  true,
		id:     r.NewStyle().Foreground(lipgloss.Color("6")),
		kind:   r.NewStyle().Foreground(lipgloss.Color("5")).Bold(true),
		err:    r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:    r.NewStyle().Faint(true),
		title:  r.NewStyle().Bold(true),
	}
}

// Print writes the summary of f.
func (p *Printer) Print(f Frame) error {
	var opts []envelope.ContainerOption
	if p.parser != nil {
		opts = append(opts, envelope.WithParser(p.parser))
	}
	c := envelope.NewContainer(f.ContentType(), f.Data, "", opts...)

	id := f.ID
	if id == "" {
		id = "-"
	}
	isEnvelope := f.ContentType() == envelope.ContentType
	types := c.EventTypes()
	if isEnvelope {
		types = c.ParsedEventTypes()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s\n",
		p.dim.Render(p.now().Format("15:04:05")),
		p.id.Render(spantree.ShortID(id)),
		p.kindStyle(types).Render(types),
		p.dim.Render(fmt.Sprintf("(%s, %d bytes)", f.ContentType(), len(f.Data))))

	if isEnvelope {
		if env, err := c.ParsedEnvelope(); err == nil {
			p.writeEnvelope(&b, env)
		}
	}

	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *Printer) kindStyle(types string) lipgloss.Style {
	if strings.Contains(types, "event") {
		return p.err
	}
	return p.kind
}

func (p *Printer) writeEnvelope(b *strings.Builder, env *envelope.Envelope) {
	events, logs, _ := event.Extract(env)
	for _, ev := range events {
		p.writeEvent(b, ev)
	}
	for _, l := range logs {
		fmt.Fprintf(b, "  %s %s\n", p.dim.Render(strings.ToUpper(l.Level)), l.Body)
	}
}

func (p *Printer) writeEvent(b *strings.Builder, ev *event.Event) {
	if title := ev.Title(); title != "" {
		fmt.Fprintf(b, "  %s\n", p.title.Render(title))
	}
	if !p.Trees || !ev.IsTransaction() {
		return
	}
	for _, line := range spantree.Render(spantree.BuildForest(ev.AllSpans())) {
		fmt.Fprintf(b, "    %s\n", line)
	}
}
