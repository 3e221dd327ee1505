package main

import (
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/csrf"

	"pentracker/pkg/models"
	"pentracker/pkg/session"
)

//go:embed templates/*.html
var templateFS embed.FS

func loadTemplates() *template.Template {
	funcs := template.FuncMap{
		"date":  models.FormatDate,
		"ids":   joinIDs,
		"class": statusClass,
	}
	return template.Must(template.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html"))
}

type page struct {
	session.View
	CSRF    template.HTML
	Variant string
}

func render(c *gin.Context, v session.View) {
	c.HTML(http.StatusOK, "index.html", page{
		View:    v,
		CSRF:    csrf.TemplateField(c.Request),
		Variant: variant.Name,
	})
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

func statusClass(s models.Status) string {
	return strings.ReplaceAll(string(s), " ", "-")
}
