package autocart

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Specs is a car's spec sheet. Range applies to electric models, Mileage to
// combustion ones.
type Specs struct {
	FuelType     string `yaml:"fuelType" json:"fuelType"`
	Seating      int    `yaml:"seating" json:"seating"`
	Transmission string `yaml:"transmission" json:"transmission"`
	Engine       string `yaml:"engine,omitempty" json:"engine,omitempty"`
	Mileage      string `yaml:"mileage,omitempty" json:"mileage,omitempty"`
	Range        string `yaml:"range,omitempty" json:"range,omitempty"`
	Power        string `yaml:"power,omitempty" json:"power,omitempty"`
}

type Car struct {
	ID       string   `yaml:"id" json:"id"`
	Brand    string   `yaml:"brand" json:"brand"`
	Model    string   `yaml:"model" json:"model"`
	Category string   `yaml:"category" json:"category"`
	Price    string   `yaml:"price" json:"price"`
	Image    string   `yaml:"image" json:"image"`
	Features []string `yaml:"features" json:"features"`
	Specs    Specs    `yaml:"specs" json:"specs"`
	Country  string   `yaml:"country" json:"country"`
	IsNew    bool     `yaml:"isNew,omitempty" json:"isNew,omitempty"`
}

// DisplayName is "<brand> <model>".
func (c Car) DisplayName() string { return c.Brand + " " + c.Model }

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog is the immutable bundled vehicle table.
type Catalog struct {
	cars       []Car
	byID       map[string]int
	byCategory map[string][]int
	byBrand    map[string][]int
}

// LoadCatalog decodes the bundled catalog.
func LoadCatalog() (*Catalog, error) {
	return ParseCatalog(catalogYAML)
}

// ParseCatalog decodes a YAML list of cars and builds the lookups.
func ParseCatalog(b []byte) (*Catalog, error) {
	var doc struct {
		Cars []Car `yaml:"cars"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c := &Catalog{
		cars:       doc.Cars,
		byID:       make(map[string]int, len(doc.Cars)),
		byCategory: map[string][]int{},
		byBrand:    map[string][]int{},
	}
	for i, car := range doc.Cars {
		if car.ID == "" {
			return nil, fmt.Errorf("catalog: cars[%d] has no id", i)
		}
		if _, dup := c.byID[car.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate id %q", car.ID)
		}
		c.byID[car.ID] = i
		cat := strings.ToLower(car.Category)
		c.byCategory[cat] = append(c.byCategory[cat], i)
		brand := strings.ToLower(car.Brand)
		c.byBrand[brand] = append(c.byBrand[brand], i)
	}
	return c, nil
}

// All returns every car in catalog order.
func (c *Catalog) All() []Car {
	return append([]Car(nil), c.cars...)
}

func (c *Catalog) ByID(id string) (Car, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Car{}, false
	}
	return c.cars[i], true
}

// ByCategory matches the category name case-insensitively.
func (c *Catalog) ByCategory(name string) []Car {
	return c.pick(c.byCategory[strings.ToLower(name)])
}

// ByBrand matches the brand name case-insensitively.
func (c *Catalog) ByBrand(name string) []Car {
	return c.pick(c.byBrand[strings.ToLower(name)])
}

func (c *Catalog) pick(idx []int) []Car {
	out := make([]Car, len(idx))
	for i, j := range idx {
		out[i] = c.cars[j]
	}
	return out
}

// Categories lists distinct categories as spelled in the catalog, sorted.
func (c *Catalog) Categories() []string {
	return c.distinct(func(car Car) string { return car.Category })
}

// Brands lists distinct brands, sorted.
func (c *Catalog) Brands() []string {
	return c.distinct(func(car Car) string { return car.Brand })
}

func (c *Catalog) distinct(field func(Car) string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, car := range c.cars {
		v := field(car)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
