package catalog

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
)

// Writer is the subset of the datastore a seed writes to
type Writer interface {
	SavePlant(ctx context.Context, plant *datastore.Plant) error
	SaveDisease(ctx context.Context, disease *datastore.Disease) error
	FindPlantByName(ctx context.Context, name string) (*datastore.Plant, error)
}

// SeedFile is the YAML document accepted by Seed
//
//	plants:
//	  - name: Apple
//	    scientific_name: Malus domestica
//	diseases:
//	  - name: Apple___Apple_scab
//	    plant: Apple
//	    treatment: Remove fallen leaves
type SeedFile struct {
	Plants   []SeedPlant   `yaml:"plants"`
	Diseases []SeedDisease `yaml:"diseases"`
}

type SeedPlant struct {
	Name           string `yaml:"name"`
	ScientificName string `yaml:"scientific_name"`
	Description    string `yaml:"description"`
	ImageURL       string `yaml:"image_url"`
}

type SeedDisease struct {
	Name      string `yaml:"name"`
	Plant     string `yaml:"plant"`
	Symptoms  string `yaml:"symptoms"`
	Cause     string `yaml:"cause"`
	Treatment string `yaml:"treatment"`
}

// SeedResult counts the entries written
type SeedResult struct {
	Plants   int `json:"plants"`
	Diseases int `json:"diseases"`
}

// ParseSeed decodes a seed document, rejecting unknown keys
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, errors.New(err).
			Component("catalog").
			Category(errors.CategoryValidation).
			Context("operation", "parse_seed").
			Build()
	}
	return &file, nil
}

// Seed upserts every plant, then every disease, by name. A disease naming
// a plant must name one that exists after the plants are written.
func Seed(ctx context.Context, w Writer, file *SeedFile) (SeedResult, error) {
	var result SeedResult

	for _, p := range file.Plants {
		plant := &datastore.Plant{
			Name:           strings.TrimSpace(p.Name),
			ScientificName: p.ScientificName,
			Description:    p.Description,
			ImageURL:       p.ImageURL,
		}
		if err := w.SavePlant(ctx, plant); err != nil {
			return result, err
		}
		result.Plants++
	}

	for _, d := range file.Diseases {
		disease := &datastore.Disease{
			Name:      strings.TrimSpace(d.Name),
			Symptoms:  d.Symptoms,
			Cause:     d.Cause,
			Treatment: d.Treatment,
		}
		if d.Plant != "" {
			plant, err := w.FindPlantByName(ctx, d.Plant)
			if err != nil {
				return result, fmt.Errorf("disease %q: %w", d.Name, err)
			}
			disease.PlantID = &plant.ID
		}
		if err := w.SaveDisease(ctx, disease); err != nil {
			return result, err
		}
		result.Diseases++
	}

	return result, nil
}
