package pagestore

import (
	"strings"
	"time"
)

// RichText is a run of formatted text; only the plain rendering is kept.
type RichText struct {
	PlainText string `json:"plain_text"`
	Href      string `json:"href,omitempty"`
}

// PlainText joins rich text runs.
func PlainText(runs []RichText) string {
	var builder strings.Builder
	for _, run := range runs {
		builder.WriteString(run.PlainText)
	}
	return builder.String()
}

// Database is the metadata of a page-store database.
type Database struct {
	ID    string     `json:"id"`
	URL   string     `json:"url"`
	Title []RichText `json:"title"`
}

// Name returns the database title.
func (d Database) Name() string {
	return strings.TrimSpace(PlainText(d.Title))
}

// Parent identifies what a page belongs to.
type Parent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}

// Page is a page with its properties.
type Page struct {
	ID             string              `json:"id"`
	URL            string              `json:"url"`
	Archived       bool                `json:"archived"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Parent         Parent              `json:"parent"`
	Properties     map[string]Property `json:"properties"`
}

// Title returns the plain text of the page's title property.
func (p Page) Title() string {
	for _, property := range p.Properties {
		if property.Type == "title" {
			return strings.TrimSpace(PlainText(property.Title))
		}
	}
	return ""
}

// Option is a select, multi-select or status choice.
type Option struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// DateValue is a date property value.
type DateValue struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

// Person is a user referenced by a people property.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Relation references another page.
type Relation struct {
	ID string `json:"id"`
}

// Formula is the computed value of a formula property.
type Formula struct {
	Type    string     `json:"type"`
	String  *string    `json:"string"`
	Number  *float64   `json:"number"`
	Boolean *bool      `json:"boolean"`
	Date    *DateValue `json:"date"`
}

// Property is one typed page property. Only the field named by Type is populated.
type Property struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Title          []RichText `json:"title,omitempty"`
	RichText       []RichText `json:"rich_text,omitempty"`
	Number         *float64   `json:"number,omitempty"`
	Select         *Option    `json:"select,omitempty"`
	MultiSelect    []Option   `json:"multi_select,omitempty"`
	Status         *Option    `json:"status,omitempty"`
	Date           *DateValue `json:"date,omitempty"`
	People         []Person   `json:"people,omitempty"`
	Checkbox       *bool      `json:"checkbox,omitempty"`
	URL            *string    `json:"url,omitempty"`
	Email          *string    `json:"email,omitempty"`
	PhoneNumber    *string    `json:"phone_number,omitempty"`
	Formula        *Formula   `json:"formula,omitempty"`
	Relation       []Relation `json:"relation,omitempty"`
	CreatedTime    *string    `json:"created_time,omitempty"`
	LastEditedTime *string    `json:"last_edited_time,omitempty"`
}

type searchFilter struct {
	Property string `json:"property"`
	Value    string `json:"value"`
}

type searchRequest struct {
	Filter      searchFilter `json:"filter"`
	StartCursor string       `json:"start_cursor,omitempty"`
	PageSize    int          `json:"page_size,omitempty"`
}

type searchResponse struct {
	Results    []Database `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor *string    `json:"next_cursor"`
}
