// Package render does placeholder substitution of stored templates,
// {{candidate_name}} style. It is stateless apart from a short-lived template
// cache, entry state is never cached.
package render

import (
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/openhire/courier/internal/dao"
	"github.com/valyala/fasttemplate"
)

// TemplateSource is where raw templates come from, satisfied by dao.DAO.
type TemplateSource interface {
	GetTemplate(id int64) (*dao.Template, error)
}

type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type Renderer struct {
	src   TemplateSource
	cache *ttlcache.Cache[int64, dao.Template]
}

func New(src TemplateSource) *Renderer {
	cache := ttlcache.New[int64, dao.Template](
		ttlcache.WithTTL[int64, dao.Template](5 * time.Minute),
	)
	go cache.Start()
	return &Renderer{src: src, cache: cache}
}

func (r *Renderer) Render(templateID int64, vars map[string]interface{}) (*Rendered, error) {
	tpl, err := r.template(templateID)
	if err != nil {
		return nil, err
	}

	subject, err := substitute(tpl.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("could not render subject of template %d, %w", templateID, err)
	}
	html, err := substitute(tpl.BodyHTML, vars)
	if err != nil {
		return nil, fmt.Errorf("could not render html body of template %d, %w", templateID, err)
	}
	text, err := substitute(tpl.BodyText, vars)
	if err != nil {
		return nil, fmt.Errorf("could not render text body of template %d, %w", templateID, err)
	}

	return &Rendered{Subject: subject, HTML: html, Text: text}, nil
}

func (r *Renderer) template(id int64) (*dao.Template, error) {
	item := r.cache.Get(id)
	if item != nil {
		tpl := item.Value()
		return &tpl, nil
	}
	tpl, err := r.src.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	r.cache.Set(id, *tpl, ttlcache.DefaultTTL)
	return tpl, nil
}

func substitute(s string, vars map[string]interface{}) (string, error) {
	if s == "" {
		return "", nil
	}
	t, err := fasttemplate.NewTemplate(s, "{{", "}}")
	if err != nil {
		return "", err
	}
	return t.ExecuteString(vars), nil
}
