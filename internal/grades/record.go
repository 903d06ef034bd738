package grades

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type valueKind int

const (
	kindNull valueKind = iota
	kindNumber
	kindText
)

// Value is a published grade value: null (not yet published), a number or a
// free-form text such as a letter grade. The zero Value is null.
type Value struct {
	kind valueKind
	num  float64
	text string
}

func Null() Value              { return Value{} }
func Number(f float64) Value   { return Value{kind: kindNumber, num: f} }
func Text(s string) Value      { return Value{kind: kindText, text: s} }
func (v Value) IsNull() bool   { return v.kind == kindNull }
func (v Value) IsNumber() bool { return v.kind == kindNumber }

// Float returns the numeric value and whether v holds a number.
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == kindNumber
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case kindNumber:
		return v.num == o.num
	case kindText:
		return v.text == o.text
	}
	return true
}

func (v Value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindText:
		return v.text
	}
	return "null"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		return json.Marshal(v.num)
	case kindText:
		return json.Marshal(v.text)
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case float64:
		*v = Number(x)
	case string:
		*v = Text(x)
	default:
		return fmt.Errorf("grade value: unsupported JSON %s", string(data))
	}
	return nil
}

// Key identifies a grade record across snapshots.
type Key struct {
	CourseID  string `json:"courseId"`
	Component string `json:"component"`
}

func (k Key) String() string { return k.CourseID + "/" + k.Component }

// Less orders keys by course, then component.
func (k Key) Less(o Key) bool {
	if k.CourseID != o.CourseID {
		return k.CourseID < o.CourseID
	}
	return k.Component < o.Component
}

// Record is one grade component of one course as published by the portal.
// Weight and Date are informational and never take part in diffing.
type Record struct {
	CourseID   string `json:"courseId"`
	CourseName string `json:"courseName"`
	Component  string `json:"component"`
	Value      Value  `json:"value"`
	Weight     int    `json:"weight,omitempty"` // percent, 0 when unknown
	Date       string `json:"date,omitempty"`
}

func (r Record) Key() Key {
	return Key{CourseID: r.CourseID, Component: r.Component}
}

// Synthetic component names for course-level results.
const (
	ComponentLetterGrade  = "letter_grade"
	ComponentSuccessScore = "success_score"
)
