package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"strings"

	"github.com/a-h/templ"
)

// Bucket represents a single bucket for display.
type Bucket struct {
	Name         string
	CreationDate string
}

// Object represents a single object or common prefix within a bucket for
// display. Prefix entries carry a key ending in "/" and no size.
type Object struct {
	Key          string
	Size         int64
	LastModified string
	IsPrefix     bool
}

func hrefFor(segments ...string) string {
	u := url.URL{Path: "/" + strings.Join(segments, "/")}
	return html.EscapeString(u.EscapedPath())
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<title>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, html.EscapeString(title))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</title>")
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		// HTMX via CDN.
		_, err = io.WriteString(w, "<script src=\"https://unpkg.com/htmx.org@1.9.12\" integrity=\"sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M\" crossorigin=\"anonymous\"></script>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head>")
		if err != nil {
			return err
		}

		// Body with global htmx boost for links/forms.
		_, err = io.WriteString(w, "<body hx-boost=\"true\"><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

func renderCreateBucketForm(w io.Writer) error {
	_, err := io.WriteString(w, "<form hx-post=\"/buckets\" hx-target=\"#create-bucket-result\"><fieldset role=\"group\">")
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "<input type=\"text\" name=\"name\" placeholder=\"new bucket name\" required>")
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "<button type=\"submit\">Create</button></fieldset></form><div id=\"create-bucket-result\"></div>")
	return err
}

// BucketsPage renders the list of buckets along with a creation form.
func BucketsPage(buckets []Bucket) templ.Component {
	return Layout("Depot Browser - Buckets", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Depot Buckets</h1>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Browse buckets and objects via the S3-compatible API.</p></header>")
		if err != nil {
			return err
		}

		if err := renderCreateBucketForm(w); err != nil {
			return err
		}

		if len(buckets) == 0 {
			_, err = io.WriteString(w, "<p>No buckets found.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Name</th><th>Created</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, b := range buckets {
			row := fmt.Sprintf("<tr><td><a href=\"%s\">%s</a></td><td>%s</td></tr>",
				hrefFor("bucket", b.Name)+"/", html.EscapeString(b.Name), html.EscapeString(b.CreationDate))
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}

func renderBucketSidebar(w io.Writer, buckets []Bucket, active string) error {
	_, err := io.WriteString(w, "<nav><ul><li><strong><a href=\"/\">Buckets</a></strong></li>")
	if err != nil {
		return err
	}
	for _, b := range buckets {
		item := fmt.Sprintf("<li><a href=\"%s\">%s</a></li>", hrefFor("bucket", b.Name)+"/", html.EscapeString(b.Name))
		if b.Name == active {
			item = fmt.Sprintf("<li><mark>%s</mark></li>", html.EscapeString(b.Name))
		}
		if _, err := io.WriteString(w, item); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "</ul></nav>")
	return err
}

// ObjectsPage renders one listing page of a bucket: the objects and common
// prefixes under the given prefix, with the other buckets in a sidebar.
func ObjectsPage(buckets []Bucket, bucket string, prefix string, objects []Object) templ.Component {
	return Layout("Depot Browser - "+bucket, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := renderBucketSidebar(w, buckets, bucket); err != nil {
			return err
		}

		_, err := io.WriteString(w, "<section><header>")
		if err != nil {
			return err
		}
		title := fmt.Sprintf("<h1>Bucket: %s</h1>", html.EscapeString(bucket))
		_, err = io.WriteString(w, title)
		if err != nil {
			return err
		}
		if prefix != "" {
			crumb := fmt.Sprintf("<p>Prefix: <code>%s</code></p>", html.EscapeString(prefix))
			if _, err := io.WriteString(w, crumb); err != nil {
				return err
			}
		}
		_, err = io.WriteString(w, "<p><a href=\"/\">&larr; Back to buckets</a></p></header>")
		if err != nil {
			return err
		}

		if len(objects) == 0 {
			_, err = io.WriteString(w, "<p>No objects under this prefix.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Key</th><th>Size (bytes)</th><th>Last Modified</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, o := range objects {
			var row string
			if o.IsPrefix {
				row = fmt.Sprintf("<tr><td><a href=\"%s\">%s</a></td><td></td><td></td></tr>",
					hrefFor("bucket", bucket)+"/"+html.EscapeString((&url.URL{Path: o.Key}).EscapedPath()),
					html.EscapeString(o.Key))
			} else {
				row = fmt.Sprintf("<tr><td><a href=\"%s\">%s</a></td><td>%d</td><td>%s</td></tr>",
					hrefFor("download", bucket)+"/"+html.EscapeString((&url.URL{Path: o.Key}).EscapedPath()),
					html.EscapeString(o.Key), o.Size, html.EscapeString(o.LastModified))
			}
			if _, err := io.WriteString(w, row); err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}
