package reconciler

import (
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/channels"
	"github.com/MarcoPoloResearchLab/notipy/internal/pagestore"
)

const (
	notSet           = "Not set"
	footerLayout     = "January 02, 2006, 03:04 PM"
	maxEmbedFields   = 25
	maxFieldName     = 256
	maxFieldValue    = 1024
	maxEmbedTitle    = 256
	untitledPageName = "Untitled"
)

// Summary is a page rendered for the channel platform.
type Summary struct {
	Title string
	URL   string
	// Fields are property name/value pairs in property-name order, title excluded.
	Fields []channels.EmbedField
	// Tags are routing tag names taken from properties whose name is a server tag.
	Tags []string
}

// Render turns a page into a Summary. serverTags names the properties whose
// select, multi-select or status values become routing tags.
func Render(page pagestore.Page, serverTags []string) Summary {
	summary := Summary{Title: page.Title(), URL: page.URL}
	if summary.Title == "" {
		summary.Title = untitledPageName
	}

	names := make([]string, 0, len(page.Properties))
	for name, property := range page.Properties {
		if property.Type == "title" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(summary.Fields) == maxEmbedFields {
			break
		}
		value := propertyText(page.Properties[name])
		if strings.TrimSpace(value) == "" {
			value = notSet
		}
		summary.Fields = append(summary.Fields, channels.EmbedField{
			Name:  truncate(name, maxFieldName),
			Value: truncate(value, maxFieldValue),
		})
	}

	summary.Tags = routingTags(page.Properties, serverTags)
	return summary
}

// Embed builds the message card for a summary.
func (s Summary) Embed(pageID string, updatedAt time.Time) channels.Embed {
	return channels.Embed{
		Title:  truncate(s.Title, maxEmbedTitle),
		URL:    s.URL,
		Color:  pageColor(pageID),
		Fields: s.Fields,
		Footer: &channels.EmbedFooter{Text: "Updated: " + updatedAt.UTC().Format(footerLayout) + " UTC"},
	}
}

func routingTags(properties map[string]pagestore.Property, serverTags []string) []string {
	var tags []string
	seen := make(map[string]struct{})
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || len(tags) == channels.MaxAppliedTags {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		tags = append(tags, name)
	}
	for _, tag := range serverTags {
		property, ok := properties[tag]
		if !ok {
			continue
		}
		switch property.Type {
		case "select":
			if property.Select != nil {
				add(property.Select.Name)
			}
		case "status":
			if property.Status != nil {
				add(property.Status.Name)
			}
		case "multi_select":
			for _, option := range property.MultiSelect {
				add(option.Name)
			}
		}
	}
	return tags
}

func propertyText(property pagestore.Property) string {
	switch property.Type {
	case "rich_text":
		return pagestore.PlainText(property.RichText)
	case "number":
		if property.Number == nil {
			return ""
		}
		return strconv.FormatFloat(*property.Number, 'f', -1, 64)
	case "select":
		return optionName(property.Select)
	case "status":
		return optionName(property.Status)
	case "multi_select":
		values := make([]string, 0, len(property.MultiSelect))
		for _, option := range property.MultiSelect {
			values = append(values, option.Name)
		}
		return strings.Join(values, "\n")
	case "date":
		return dateText(property.Date)
	case "people":
		values := make([]string, 0, len(property.People))
		for _, person := range property.People {
			if person.Name != "" {
				values = append(values, person.Name)
			} else {
				values = append(values, person.ID)
			}
		}
		return strings.Join(values, "\n")
	case "checkbox":
		if property.Checkbox == nil {
			return ""
		}
		if *property.Checkbox {
			return "Yes"
		}
		return "No"
	case "url":
		return deref(property.URL)
	case "email":
		return deref(property.Email)
	case "phone_number":
		return deref(property.PhoneNumber)
	case "relation":
		return strconv.Itoa(len(property.Relation)) + " linked"
	case "created_time":
		return deref(property.CreatedTime)
	case "last_edited_time":
		return deref(property.LastEditedTime)
	case "formula":
		return formulaText(property.Formula)
	default:
		return ""
	}
}

func formulaText(formula *pagestore.Formula) string {
	if formula == nil {
		return ""
	}
	switch formula.Type {
	case "string":
		return deref(formula.String)
	case "number":
		if formula.Number == nil {
			return ""
		}
		return strconv.FormatFloat(*formula.Number, 'f', -1, 64)
	case "boolean":
		if formula.Boolean == nil {
			return ""
		}
		if *formula.Boolean {
			return "Yes"
		}
		return "No"
	case "date":
		return dateText(formula.Date)
	}
	return ""
}

func dateText(value *pagestore.DateValue) string {
	if value == nil {
		return ""
	}
	if value.End != nil && *value.End != "" {
		return value.Start + " → " + *value.End
	}
	return value.Start
}

func optionName(option *pagestore.Option) string {
	if option == nil {
		return ""
	}
	return option.Name
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}

// pageColor derives a stable embed color from the page id.
func pageColor(pageID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(pageID))
	return int(hasher.Sum32() & 0xFFFFFF)
}
