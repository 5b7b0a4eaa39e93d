package action

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/syntrixbase/beacon/internal/browser"
	"github.com/syntrixbase/beacon/internal/workflow"
)

// OverlayAttr marks elements inserted by DOMRenderer with their workflow id.
const OverlayAttr = "data-beacon-workflow"

// DOMRenderer renders overlays into the current page document.
type DOMRenderer struct {
	window *browser.Window
}

// NewDOMRenderer creates a renderer for window.
func NewDOMRenderer(window *browser.Window) *DOMRenderer {
	return &DOMRenderer{window: window}
}

func (r *DOMRenderer) ShowModal(workflowID string, content workflow.Content) error {
	return r.insert(workflowID, "beacon-modal", "", content)
}

func (r *DOMRenderer) ShowBanner(workflowID string, content workflow.Content, position string) error {
	if position == "" {
		position = "top"
	}
	return r.insert(workflowID, "beacon-banner", position, content)
}

func (r *DOMRenderer) ShowNotification(workflowID string, content workflow.Content) error {
	return r.insert(workflowID, "beacon-notification", "", content)
}

func (r *DOMRenderer) insert(workflowID, class, position string, c workflow.Content) error {
	markup := overlayHTML(workflowID, class, position, c)
	return r.window.UpdateDocument(func(doc *goquery.Document) error {
		body := doc.Find("body")
		if body.Length() == 0 {
			return errors.New("document has no body")
		}
		if position == "top" {
			body.PrependHtml(markup)
		} else {
			body.AppendHtml(markup)
		}
		return nil
	})
}

func overlayHTML(workflowID, class, position string, c workflow.Content) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<div class="%s" role="dialog" %s="%s"`, class, OverlayAttr, html.EscapeString(workflowID))
	if position != "" {
		fmt.Fprintf(&b, ` data-position="%s"`, html.EscapeString(position))
	}
	b.WriteString(">")
	if c.Title != "" {
		fmt.Fprintf(&b, `<h2 class="beacon-title">%s</h2>`, html.EscapeString(c.Title))
	}
	if c.Body != "" {
		fmt.Fprintf(&b, `<p class="beacon-body">%s</p>`, html.EscapeString(c.Body))
	}
	if c.CTA != nil {
		fmt.Fprintf(&b, `<a class="beacon-cta" href="%s">%s</a>`, html.EscapeString(c.CTA.URL), html.EscapeString(c.CTA.Label))
	}
	b.WriteString("</div>")
	return b.String()
}

// Overlays returns the overlays workflowID inserted into doc.
func Overlays(doc *goquery.Document, workflowID string) *goquery.Selection {
	return doc.Find("[" + OverlayAttr + "]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr(OverlayAttr)
		return v == workflowID
	})
}
