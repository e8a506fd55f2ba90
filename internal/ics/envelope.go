package ics

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/beevik/etree"
)

// Item is one calendar object extracted from a multistatus response.
type Item struct {
	Data     string
	Href     string
	Filename string
	ETag     string
}

// DecodeEnvelope extracts the calendar-data payload and remote filename of
// every response in a CalDAV multistatus body, in document order. Responses
// without a href or calendar data are logged and skipped; only an
// unparseable document is an error.
func (c *Codec) DecodeEnvelope(body []byte) ([]Item, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("failed to parse multistatus: %w", err)
	}
	root := doc.Root()
	if root == nil || localName(root.Tag) != "multistatus" {
		return nil, fmt.Errorf("failed to parse multistatus: unexpected root element")
	}

	items := make([]Item, 0)
	for i, resp := range children(root, "response") {
		href := strings.TrimSpace(textOf(first(resp, "href")))
		if href == "" {
			c.logger.Warn("Skipping multistatus response without href.", "index", i)
			continue
		}

		u, err := url.Parse(href)
		if err != nil {
			c.logger.Warn("Skipping multistatus response with invalid href.", "href", href, "error", err)
			continue
		}
		// u.Path is unescaped; callers escape it again when building requests.
		href = u.Path

		var data, etag string
		for _, ps := range children(resp, "propstat") {
			if status := textOf(first(ps, "status")); status != "" && !strings.Contains(status, " 200") {
				continue
			}
			prop := first(ps, "prop")
			if prop == nil {
				continue
			}
			if d := textOf(first(prop, "calendar-data")); strings.TrimSpace(d) != "" {
				data = d
			}
			if e := textOf(first(prop, "getetag")); e != "" {
				etag = strings.TrimSpace(e)
			}
		}
		if data == "" {
			c.logger.Warn("Skipping multistatus response without calendar data.", "href", href)
			continue
		}

		items = append(items, Item{
			Data:     data,
			Href:     href,
			Filename: path.Base(strings.TrimSuffix(href, "/")),
			ETag:     etag,
		})
	}
	return items, nil
}

// localName drops a namespace prefix such as "d:" or "C:".
func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		tag = tag[i+1:]
	}
	return strings.ToLower(tag)
}

func children(el *etree.Element, name string) []*etree.Element {
	var out []*etree.Element
	for _, child := range el.ChildElements() {
		if localName(child.Tag) == name {
			out = append(out, child)
		}
	}
	return out
}

func first(el *etree.Element, name string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, child := range el.ChildElements() {
		if localName(child.Tag) == name {
			return child
		}
	}
	return nil
}

func textOf(el *etree.Element) string {
	if el == nil {
		return ""
	}
	return el.Text()
}
