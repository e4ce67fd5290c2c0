// Package templates reads the recurring task definitions ("ensembles") that
// the scheduler expands each day.
//
// The source file is JSON or YAML (chosen by extension) of the form
//
//	{"ensemble_list": [{"title": "...", "start_time": {"hour": 6, "minute": 0, "second": 0},
//	  "interval": 600, "iterations": 3, "function": "shell:echo", "inputs": ["hi"]}]}
//
// Unknown fields are rejected and each record is validated before it is
// converted into a domain.TaskTemplate.
package templates

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	yaml "go.yaml.in/yaml/v3"

	"towersched/internal/domain"
)

// Source yields the ordered template set.
type Source interface {
	Load(ctx context.Context) ([]domain.TaskTemplate, error)
}

type startTimeRecord struct {
	Hour   *int `json:"hour" validate:"required,min=0,max=23"`
	Minute *int `json:"minute" validate:"required,min=0,max=59"`
	Second *int `json:"second" validate:"required,min=0,max=59"`
}

type templateRecord struct {
	Title      string            `json:"title" validate:"required"`
	StartTime  *startTimeRecord  `json:"start_time" validate:"required"`
	Interval   *int              `json:"interval" validate:"required,min=0"`
	Iterations *int              `json:"iterations" validate:"required,min=0"`
	Function   string            `json:"function" validate:"required,funcref"`
	Inputs     []json.RawMessage `json:"inputs,omitempty"`
}

type templateFile struct {
	Ensembles []templateRecord `json:"ensemble_list" validate:"dive"`
}

var funcRefPattern = regexp.MustCompile(`^[\w./-]+(:[\w.-]+)?$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("funcref", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s != domain.TeardownFunction && funcRefPattern.MatchString(s)
	})
	return v
}

// File reads templates from a JSON or YAML file.
type File struct {
	fs   afero.Fs
	path string
}

func NewFile(fs afero.Fs, path string) *File {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &File{fs: fs, path: path}
}

func (f *File) Path() string { return f.path }

// Load reads and validates the file. All failures are marked
// domain.ErrTemplateRead.
func (f *File) Load(ctx context.Context) ([]domain.TaskTemplate, error) {
	_ = ctx
	b, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		return nil, readErr(err, "read %s", f.path)
	}
	out, err := Parse(f.path, b)
	if err != nil {
		return nil, readErr(err, "templates %s", f.path)
	}
	return out, nil
}

// Parse decodes template data. name selects the format by extension.
func Parse(name string, data []byte) ([]domain.TaskTemplate, error) {
	jb, err := coerceToJSON(name, data)
	if err != nil {
		return nil, err
	}

	var tf templateFile
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tf); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("trailing data after template document")
	}
	if tf.Ensembles == nil {
		return nil, errors.New("missing ensemble_list")
	}
	if err := validate.Struct(tf); err != nil {
		return nil, describe(err)
	}

	out := make([]domain.TaskTemplate, 0, len(tf.Ensembles))
	for _, r := range tf.Ensembles {
		out = append(out, domain.TaskTemplate{
			Title: r.Title,
			StartTime: domain.StartTime{
				Hour:   *r.StartTime.Hour,
				Minute: *r.StartTime.Minute,
				Second: *r.StartTime.Second,
			},
			Interval:   *r.Interval,
			Iterations: *r.Iterations,
			Function:   r.Function,
			Inputs:     r.Inputs,
		})
	}
	return out, nil
}

func coerceToJSON(name string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "yaml unmarshal")
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, errors.Wrap(err, "yaml->json marshal")
	}
	return j, nil
}

// normalizeYAML makes every map key a string so the tree can be marshaled
// as JSON.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// describe flattens validator errors into one message per field.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		ns := strings.TrimPrefix(fe.Namespace(), "templateFile.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", ns, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", ns, fe.Tag()))
		}
	}
	return errors.WithDetail(errors.Newf("invalid templates: %s", strings.Join(msgs, "; ")), err.Error())
}

func readErr(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), domain.ErrTemplateRead)
}
