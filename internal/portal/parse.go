package portal

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
)

var (
	// "1410211007 - Veri Yapıları"
	courseHeaderRe = regexp.MustCompile(`(\d{10})\s*-\s*(.+)`)
	// Letter grades: AA, BA, CB, FF, or A+/B- style.
	letterGradeRe  = regexp.MustCompile(`^(?:[A-F][A-F]?|[A-F][+-])$`)
	successScoreRe = regexp.MustCompile(`Başarı Puanı:\s*([\d.,]+)`)
	weightRe       = regexp.MustCompile(`\(%\s*(\d+)\)`)
)

// ParseGrades extracts grade records from the exam results document. Each
// course header opens a course; the component rows that follow belong to it.
// A course whose header appears again is replaced by the later block.
func ParseGrades(doc *goquery.Document) ([]grades.Record, error) {
	tables := doc.Find("table.a4")
	if tables.Length() == 0 {
		return nil, &ParseError{Page: "grades", Reason: "no result tables (table.a4)"}
	}

	var (
		order   []string
		byID    = make(map[string][]grades.Record)
		course  *courseState
		headers int
	)

	tables.Find("tr").Each(func(_ int, row *goquery.Selection) {
		row.Find("th.belge_satir").Each(func(_ int, th *goquery.Selection) {
			headers++
			next, rs := parseCourseHeader(th)
			if next == nil {
				return
			}
			if _, ok := byID[next.id]; !ok {
				order = append(order, next.id)
			}
			course = next
			byID[next.id] = append([]grades.Record{}, rs...)
		})

		cells := row.Find("td.belge_satir")
		if cells.Length() < 3 || course == nil {
			return
		}
		if r, ok := course.component(cells); ok {
			byID[course.id] = append(byID[course.id], r)
		}
	})

	if len(order) == 0 && headers > 0 {
		return nil, &ParseError{Page: "grades", Reason: "course headers present but none recognized"}
	}
	var records []grades.Record
	for _, id := range order {
		records = append(records, byID[id]...)
	}
	return records, nil
}

type courseState struct {
	id, name string
	seen     map[string]int
}

// parseCourseHeader reads "<code> - <name>" plus the optional letter grade
// and success score shown in h3 tags inside the header.
func parseCourseHeader(th *goquery.Selection) (*courseState, []grades.Record) {
	label := th.Clone()
	label.Find("h3").Remove()
	m := courseHeaderRe.FindStringSubmatch(collapse(label.Text()))
	if m == nil {
		return nil, nil
	}
	name := strings.TrimSpace(strings.SplitN(m[2], "|", 2)[0])
	c := &courseState{id: m[1], name: name, seen: make(map[string]int)}

	var records []grades.Record
	th.Find("h3").Each(func(_ int, h3 *goquery.Selection) {
		text := collapse(h3.Text())
		if letterGradeRe.MatchString(text) {
			records = append(records, c.record(grades.ComponentLetterGrade, grades.Text(text)))
		}
		if sm := successScoreRe.FindStringSubmatch(text); sm != nil {
			if f, ok := parseNumber(sm[1]); ok {
				records = append(records, c.record(grades.ComponentSuccessScore, grades.Number(f)))
			}
		}
	})
	return c, records
}

func (c *courseState) record(component string, v grades.Value) grades.Record {
	return grades.Record{CourseID: c.id, CourseName: c.name, Component: component, Value: v}
}

// component reads a "(%30) | Ara Sınav | 86 | 12.11.2024" row.
func (c *courseState) component(cells *goquery.Selection) (grades.Record, bool) {
	name := collapse(cells.Eq(1).Text())
	if name == "" {
		return grades.Record{}, false
	}
	// Repeated names (several midterms) become "Ara Sınav 2", "Ara Sınav 3".
	c.seen[name]++
	if n := c.seen[name]; n > 1 {
		name = name + " " + strconv.Itoa(n)
	}

	r := c.record(name, scoreValue(collapse(cells.Eq(2).Text())))
	if wm := weightRe.FindStringSubmatch(cells.Eq(0).Text()); wm != nil {
		r.Weight, _ = strconv.Atoi(wm[1])
	}
	if cells.Length() >= 4 {
		r.Date = collapse(cells.Eq(3).Text())
	}
	return r, true
}

// scoreValue maps a score cell: blank or a dash is unpublished, numbers are
// numbers and anything else ("Girmedi") is kept as text.
func scoreValue(s string) grades.Value {
	switch s {
	case "", "-", "—", "--":
		return grades.Null()
	}
	if f, ok := parseNumber(s); ok {
		return grades.Number(f)
	}
	return grades.Text(s)
}

// parseNumber accepts both "86.5" and the Turkish "86,5".
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(s), ",", ".", 1), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
