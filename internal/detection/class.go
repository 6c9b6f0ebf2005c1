package detection

import (
	"fmt"
	"image/color"
)

// Class is one entry of the fixed class table shared by extraction and export
type Class struct {
	ID    int
	Name  string
	Color color.RGBA
}

// Classes is the fixed, ordered class table. Record class ids index into it.
var Classes = []Class{
	{ID: 0, Name: "car", Color: color.RGBA{R: 0, G: 0, B: 255, A: 255}},
	{ID: 1, Name: "bus", Color: color.RGBA{R: 255, G: 255, B: 0, A: 255}},
	{ID: 2, Name: "van", Color: color.RGBA{R: 255, G: 128, B: 0, A: 255}},
	{ID: 3, Name: "others", Color: color.RGBA{R: 255, G: 0, B: 255, A: 255}},
}

// ClassByID returns the class for id or an error if id is outside the table
func ClassByID(id int) (Class, error) {
	if !ValidClassID(id) {
		return Class{}, fmt.Errorf("class id %d outside table of %d entries", id, len(Classes))
	}
	return Classes[id], nil
}

// ValidClassID reports whether id indexes the class table
func ValidClassID(id int) bool {
	return id >= 0 && id < len(Classes)
}
