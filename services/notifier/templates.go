package notifier

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// Email template names
const (
	TemplatePriceAlert      = "price-alert"
	TemplateWeeklyDigest    = "weekly-digest"
	TemplateWebhookDisabled = "webhook-disabled"
)

var templateNames = []string{TemplatePriceAlert, TemplateWeeklyDigest, TemplateWebhookDisabled}

// DigestEntry is one event line of the weekly digest.
type DigestEntry struct {
	Title     string
	Message   string
	Type      string
	Severity  string
	CreatedAt string
}

type emailView struct {
	Subject  string
	UserName string
	AppURL   string
	Data     map[string]any
	Events   []DigestEntry
}

// Templates renders the email bodies.
type Templates struct {
	appURL string
	byName map[string]*template.Template
}

var templateFuncs = template.FuncMap{
	"formatPrice": func(v any) string {
		f, ok := toFloat(v)
		if !ok {
			return "-"
		}
		return strconv.FormatFloat(f, 'f', 2, 64)
	},
	"formatPercent": func(v any) string {
		f, ok := toFloat(v)
		if !ok {
			return "-"
		}
		return strconv.FormatFloat(f, 'f', 2, 64) + "%"
	},
	"formatDate": func(v any) string {
		switch t := v.(type) {
		case time.Time:
			return t.Format("Jan 2, 2006")
		case string:
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed.Format("Jan 2, 2006")
			}
			return t
		}
		return "-"
	},
}

// LoadTemplates parses every embedded template. appURL is linked from the emails.
func LoadTemplates(appURL string) (*Templates, error) {
	t := &Templates{appURL: appURL, byName: make(map[string]*template.Template, len(templateNames))}
	for _, name := range templateNames {
		tmpl, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		t.byName[name] = tmpl
	}
	return t, nil
}

// Render returns the subject and HTML body of the named email.
func (t *Templates) Render(name, userName string, data map[string]any) (string, string, error) {
	tmpl, ok := t.byName[name]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", name)
	}

	view := emailView{
		Subject:  subject(name, data),
		UserName: userName,
		AppURL:   t.appURL,
		Data:     data,
	}
	if view.UserName == "" {
		view.UserName = "there"
	}
	if name == TemplateWeeklyDigest {
		view.Events = digestEntries(data["events"])
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", view); err != nil {
		return "", "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return view.Subject, buf.String(), nil
}

func subject(name string, data map[string]any) string {
	switch name {
	case TemplatePriceAlert:
		return fmt.Sprintf("Price Alert: %v changed price on %v", data["competitorName"], data["productTitle"])
	case TemplateWeeklyDigest:
		return fmt.Sprintf("Pricewatch Weekly Digest: %d events this week", len(digestEntries(data["events"])))
	case TemplateWebhookDisabled:
		return "Webhook Disabled: Too Many Failures"
	}
	return "Pricewatch notification"
}

// digestEntries accepts both typed entries and their JSON-decoded form
func digestEntries(v any) []DigestEntry {
	switch list := v.(type) {
	case []DigestEntry:
		return list
	case []any:
		out := make([]DigestEntry, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, DigestEntry{
				Title:     str(m["title"]),
				Message:   str(m["message"]),
				Type:      str(m["type"]),
				Severity:  str(m["severity"]),
				CreatedAt: str(m["createdAt"]),
			})
		}
		return out
	}
	return nil
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
