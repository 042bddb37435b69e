// Package httpapi wraps instrument adapters in an HTTP interface.  Handlers
// exchange single-value JSON payloads keyed by type ({"f64": ...},
// {"int": ...}, {"str": ...}, {"bool": ...}) so clients in any language can
// drive a device without knowing its wire ABI.
package httpapi

import (
	"encoding/json"
	"net/http"

	"goji.io"
	"goji.io/pat"
)

// RouteTable maps URL patterns to handlers.
type RouteTable map[goji.Pattern]http.HandlerFunc

// HTTPer is a type which can yield a route table to be bound to a mux.
type HTTPer interface {
	RT() RouteTable
}

// NewMux builds a goji mux from any number of HTTPers.
func NewMux(hs ...HTTPer) *goji.Mux {
	m := goji.NewMux()
	for _, h := range hs {
		for p, fn := range h.RT() {
			m.HandleFunc(p, fn)
		}
	}
	return m
}

// SubMux mounts an HTTPer's routes on a submux under prefix, which must end
// with /*.
func SubMux(root *goji.Mux, prefix string, h HTTPer) {
	m := goji.SubMux()
	for p, fn := range h.RT() {
		m.HandleFunc(p, fn)
	}
	root.Handle(pat.New(prefix), m)
}

// FloatT is a JSON payload with a single f64 field
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a JSON payload with a single int field
type IntT struct {
	Int int `json:"int"`
}

// StrT is a JSON payload with a single str field
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a JSON payload with a single bool field
type BoolT struct {
	Bool bool `json:"bool"`
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetFloat calls a float-getting function and returns the response as json
// {"f64": value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, FloatT{F64: f})
	}
}

// SetFloat parses a JSON input of {"f64": value} and calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(f.F64); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response as json
// {"int": value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, IntT{Int: i})
	}
}

// SetInt parses a JSON input of {"int": value} and calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i := IntT{}
		err := json.NewDecoder(r.Body).Decode(&i)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := fcn(i.Int); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response as json
// {"str": value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, StrT{Str: s})
	}
}

// GetBool calls a bool-getting function and returns the response as json
// {"bool": value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, BoolT{Bool: b})
	}
}
