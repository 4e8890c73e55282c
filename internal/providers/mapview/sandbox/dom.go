package sandbox

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
)

// newDocument builds a read-only document object backed by the parsed
// markup. Pages use it to find the map container.
func (r *Runtime) newDocument(doc *goquery.Document) *goja.Object {
	vm := r.vm
	document := vm.NewObject()

	document.Set("title", strings.TrimSpace(doc.Find("title").First().Text()))
	document.Set("readyState", "complete")

	document.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		id := call.Argument(0).String()
		match := doc.Find("[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
			v, _ := s.Attr("id")
			return v == id
		}).First()
		return r.elementProxy(match)
	})

	document.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		return r.elementProxy(doc.Find(call.Argument(0).String()).First())
	})

	document.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		var elements []interface{}
		if len(call.Arguments) > 0 {
			doc.Find(call.Argument(0).String()).Each(func(_ int, s *goquery.Selection) {
				elements = append(elements, r.elementProxy(s))
			})
		}
		return r.vm.ToValue(elements)
	})

	return document
}

// elementProxy creates a proxy for a DOM element, or null for an empty
// selection
func (r *Runtime) elementProxy(sel *goquery.Selection) goja.Value {
	if sel.Length() == 0 {
		return goja.Null()
	}

	id, _ := sel.Attr("id")
	className, _ := sel.Attr("class")

	el := r.vm.NewObject()
	el.Set("id", id)
	el.Set("className", className)
	el.Set("tagName", strings.ToUpper(goquery.NodeName(sel)))
	el.Set("textContent", sel.Text())
	el.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := sel.Attr(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return r.vm.ToValue(v)
	})
	return el
}
