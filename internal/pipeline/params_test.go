package pipeline

import (
	"errors"
	"testing"
)

func TestParams_Float(t *testing.T) {
	p := Params{"f": 1.5, "i": 3, "u": uint8(4), "f32": float32(0.5), "s": "x"}
	cases := []struct {
		key     string
		want    float64
		wantErr bool
	}{
		{"f", 1.5, false},
		{"i", 3, false},
		{"u", 4, false},
		{"f32", 0.5, false},
		{"s", 0, true},
		{"missing", 0, true},
	}
	for _, tc := range cases {
		got, err := p.Float(tc.key)
		if (err != nil) != tc.wantErr {
			t.Errorf("Float(%q) err = %v, wantErr %v", tc.key, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("Float(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestParams_Int(t *testing.T) {
	p := Params{"i": int64(7), "whole": 4.0, "frac": 4.5, "b": true}
	if v, err := p.Int("i"); err != nil || v != 7 {
		t.Errorf("Int(i) = %v, %v", v, err)
	}
	if v, err := p.Int("whole"); err != nil || v != 4 {
		t.Errorf("Int(whole) = %v, %v", v, err)
	}
	var pe *ParamError
	if _, err := p.Int("frac"); !errors.As(err, &pe) || pe.Want != "int" {
		t.Errorf("Int(frac) should fail with *ParamError, got %v", err)
	}
	if _, err := p.Int("b"); err == nil {
		t.Error("Int(b) should fail")
	}
}

func TestParams_BoolAndString(t *testing.T) {
	p := Params{"b": true, "s": "ridge", "n": 1}
	if v, err := p.Bool("b"); err != nil || !v {
		t.Errorf("Bool(b) = %v, %v", v, err)
	}
	if _, err := p.Bool("n"); err == nil {
		t.Error("Bool(n) should fail")
	}
	if v, err := p.String("s"); err != nil || v != "ridge" {
		t.Errorf("String(s) = %v, %v", v, err)
	}
	if _, err := p.String("missing"); err == nil {
		t.Error("String(missing) should fail")
	}
}

func TestParams_CloneIsIndependent(t *testing.T) {
	p := Params{"a": 1}
	c := p.Clone()
	c["a"] = 2
	if p["a"] != 1 {
		t.Error("Clone must not alias the source")
	}
	if got := Params(nil).Clone(); got == nil {
		t.Error("Clone of nil should be an empty map")
	}
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		in      string
		want    ParamPath
		wantErr bool
	}{
		{"scale.factor", ParamPath{"scale", "factor"}, false},
		{"model.solver.tol", ParamPath{"model", "solver.tol"}, false},
		{"noDot", ParamPath{}, true},
		{".factor", ParamPath{}, true},
		{"scale.", ParamPath{}, true},
	}
	for _, tc := range cases {
		got, err := ParsePath(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParsePath(%q) err = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParsePath(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
		if !tc.wantErr && got.String() != tc.in {
			t.Errorf("String() = %q, want %q", got.String(), tc.in)
		}
	}
}
