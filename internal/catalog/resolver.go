// Package catalog resolves classifier labels to plant and disease catalog
// entries, keeping resolved entries in memory so repeated labels cost no
// database round trip.
package catalog

import (
	"context"
	"strconv"
	"strings"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/leafwatch/leafwatch/internal/datastore"
	"github.com/leafwatch/leafwatch/internal/errors"
	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

// Lookup results reported to metrics
const (
	lookupHit   = "hit"
	lookupStore = "store"
	lookupMiss  = "miss"
	lookupError = "error"
)

// Store is the subset of the datastore the resolver reads from
type Store interface {
	FindPlantByName(ctx context.Context, name string) (*datastore.Plant, error)
	FindDiseaseByName(ctx context.Context, name string) (*datastore.Disease, error)
	SearchPlants(ctx context.Context, fragment string) ([]datastore.Plant, error)
	SearchDiseases(ctx context.Context, fragment string) ([]datastore.Disease, error)
	GetPlant(ctx context.Context, id uint) (*datastore.Plant, error)
	GetDisease(ctx context.Context, id uint) (*datastore.Disease, error)
	ListPlants(ctx context.Context) ([]datastore.Plant, error)
	ListDiseases(ctx context.Context) ([]datastore.Disease, error)
}

// Entity is a resolved catalog entry
type Entity struct {
	Kind datastore.ObservationKind `json:"kind"`
	ID   uint                      `json:"id"`
	Name string                    `json:"name"`
}

// Stats reports how many entries each map holds
type Stats struct {
	Plants     int `json:"plants"`
	PlantIDs   int `json:"plant_ids"`
	Diseases   int `json:"diseases"`
	DiseaseIDs int `json:"disease_ids"`
}

// entityMaps holds the name and id maps for one entity kind
type entityMaps struct {
	byName *cache.Cache
	byID   *cache.Cache
}

func newEntityMaps() entityMaps {
	return entityMaps{
		byName: cache.New(cache.NoExpiration, 0),
		byID:   cache.New(cache.NoExpiration, 0),
	}
}

// Resolver maps names and ids to catalog entities. Only hits are cached;
// a name that is missing today may be seeded tomorrow.
type Resolver struct {
	store    Store
	logger   logger.Logger
	metrics  *metrics.PredictionMetrics
	plants   entityMaps
	diseases entityMaps
	group    singleflight.Group
}

// NewResolver creates an empty resolver. Call Load to warm it.
func NewResolver(store Store, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}
	return &Resolver{
		store:    store,
		logger:   log.Module("catalog"),
		plants:   newEntityMaps(),
		diseases: newEntityMaps(),
	}
}

// SetMetrics enables lookup and cache size metrics
func (r *Resolver) SetMetrics(m *metrics.PredictionMetrics) {
	r.metrics = m
	r.updateGauges()
}

func (r *Resolver) maps(kind datastore.ObservationKind) entityMaps {
	if kind == datastore.KindPlant {
		return r.plants
	}
	return r.diseases
}

// ResolveByName finds the entity for name. A miss returns nil without error.
func (r *Resolver) ResolveByName(ctx context.Context, kind datastore.ObservationKind, name string) (*Entity, error) {
	entity, err := r.resolveName(ctx, kind, name, true)
	if err != nil || entity != nil {
		return entity, err
	}

	// Taxonomy labels carry the plant before the delimiter and the
	// condition after it. A bare condition such as "Black_rot" is shared
	// between plants, so diseases retry with exact matches only.
	part, substring := ExtractConditionName(name), false
	if kind == datastore.KindPlant {
		part, substring = ExtractPlantName(name), true
	}
	if part == "" || strings.EqualFold(part, strings.TrimSpace(name)) {
		return nil, nil
	}
	entity, err = r.resolveName(ctx, kind, part, substring)
	if err != nil || entity == nil {
		return entity, err
	}
	r.put(entity, name)
	return entity, nil
}

func (r *Resolver) resolveName(ctx context.Context, kind datastore.ObservationKind, name string, substring bool) (*Entity, error) {
	candidates := nameCandidates(name)
	if len(candidates) == 0 {
		return nil, nil
	}

	m := r.maps(kind)
	for _, candidate := range candidates {
		if cached, ok := m.byName.Get(cacheKey(candidate)); ok {
			r.recordLookup(kind, lookupHit)
			entity := cached.(Entity)
			return &entity, nil
		}
	}

	// Concurrent misses for the same name share one store query
	key := string(kind) + ":" + cacheKey(name)
	if !substring {
		key += ":exact"
	}
	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.lookupStore(ctx, kind, candidates, substring)
	})
	if err != nil {
		r.recordLookup(kind, lookupError)
		return nil, err
	}

	entity, _ := result.(*Entity)
	if entity == nil {
		r.recordLookup(kind, lookupMiss)
		r.logger.Debug("catalog lookup missed",
			logger.String("kind", string(kind)),
			logger.String("name", name))
		return nil, nil
	}

	r.recordLookup(kind, lookupStore)
	r.put(entity, name)
	copied := *entity
	return &copied, nil
}

// lookupStore tries exact matches for every candidate before falling back
// to substring search.
func (r *Resolver) lookupStore(ctx context.Context, kind datastore.ObservationKind, candidates []string, substring bool) (*Entity, error) {
	for _, candidate := range candidates {
		entity, err := r.findExact(ctx, kind, candidate)
		if err != nil || entity != nil {
			return entity, err
		}
	}
	if !substring {
		return nil, nil
	}

	for _, candidate := range candidates {
		entity, err := r.findSubstring(ctx, kind, candidate)
		if err != nil || entity != nil {
			return entity, err
		}
	}
	return nil, nil
}

func (r *Resolver) findExact(ctx context.Context, kind datastore.ObservationKind, name string) (*Entity, error) {
	if kind == datastore.KindPlant {
		plant, err := r.store.FindPlantByName(ctx, name)
		if err != nil {
			return nil, ignoreNotFound(err, kind, name)
		}
		return plantEntity(plant), nil
	}

	disease, err := r.store.FindDiseaseByName(ctx, name)
	if err != nil {
		return nil, ignoreNotFound(err, kind, name)
	}
	return diseaseEntity(disease), nil
}

// findSubstring prefers a case-insensitive equal name, then the shortest
func (r *Resolver) findSubstring(ctx context.Context, kind datastore.ObservationKind, fragment string) (*Entity, error) {
	var matches []Entity
	if kind == datastore.KindPlant {
		plants, err := r.store.SearchPlants(ctx, fragment)
		if err != nil {
			return nil, ignoreNotFound(err, kind, fragment)
		}
		for i := range plants {
			matches = append(matches, *plantEntity(&plants[i]))
		}
	} else {
		diseases, err := r.store.SearchDiseases(ctx, fragment)
		if err != nil {
			return nil, ignoreNotFound(err, kind, fragment)
		}
		for i := range diseases {
			matches = append(matches, *diseaseEntity(&diseases[i]))
		}
	}

	if len(matches) == 0 {
		return nil, nil
	}

	best := matches[0]
	for _, m := range matches {
		if strings.EqualFold(m.Name, fragment) {
			best = m
			break
		}
		if len(m.Name) < len(best.Name) {
			best = m
		}
	}
	return &best, nil
}

// ResolveByID finds the entity with id. A miss returns nil without error.
func (r *Resolver) ResolveByID(ctx context.Context, kind datastore.ObservationKind, id uint) (*Entity, error) {
	m := r.maps(kind)
	idKey := strconv.FormatUint(uint64(id), 10)
	if cached, ok := m.byID.Get(idKey); ok {
		r.recordLookup(kind, lookupHit)
		entity := cached.(Entity)
		return &entity, nil
	}

	var entity *Entity
	if kind == datastore.KindPlant {
		plant, err := r.store.GetPlant(ctx, id)
		if err != nil {
			return nil, r.idLookupError(err, kind, id)
		}
		entity = plantEntity(plant)
	} else {
		disease, err := r.store.GetDisease(ctx, id)
		if err != nil {
			return nil, r.idLookupError(err, kind, id)
		}
		entity = diseaseEntity(disease)
	}

	r.recordLookup(kind, lookupStore)
	r.put(entity, "")
	return entity, nil
}

func (r *Resolver) idLookupError(err error, kind datastore.ObservationKind, id uint) error {
	if errors.IsNotFound(err) {
		r.recordLookup(kind, lookupMiss)
		return nil
	}
	r.recordLookup(kind, lookupError)
	return errors.New(err).
		Component("catalog").
		Category(errors.CategoryResolver).
		Context("kind", string(kind)).
		Context("id", id).
		Build()
}

// Load reads the whole catalog into the maps
func (r *Resolver) Load(ctx context.Context) error {
	plants, err := r.store.ListPlants(ctx)
	if err != nil {
		return loadError(err, datastore.KindPlant)
	}
	diseases, err := r.store.ListDiseases(ctx)
	if err != nil {
		return loadError(err, datastore.KindDisease)
	}

	for i := range plants {
		r.put(plantEntity(&plants[i]), "")
	}
	for i := range diseases {
		r.put(diseaseEntity(&diseases[i]), "")
	}

	r.logger.Info("catalog cache loaded",
		logger.Int("plants", len(plants)),
		logger.Int("diseases", len(diseases)))
	return nil
}

// InvalidateAll empties every map and reloads the catalog
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	for _, m := range []entityMaps{r.plants, r.diseases} {
		m.byName.Flush()
		m.byID.Flush()
	}
	r.updateGauges()
	return r.Load(ctx)
}

// Stats returns the current map sizes
func (r *Resolver) Stats() Stats {
	return Stats{
		Plants:     r.plants.byName.ItemCount(),
		PlantIDs:   r.plants.byID.ItemCount(),
		Diseases:   r.diseases.byName.ItemCount(),
		DiseaseIDs: r.diseases.byID.ItemCount(),
	}
}

// put stores entity under its own name, its id, and the requested alias
func (r *Resolver) put(entity *Entity, alias string) {
	m := r.maps(entity.Kind)
	m.byName.Set(cacheKey(entity.Name), *entity, cache.NoExpiration)
	m.byID.Set(strconv.FormatUint(uint64(entity.ID), 10), *entity, cache.NoExpiration)
	if key := cacheKey(alias); key != "" {
		m.byName.Set(key, *entity, cache.NoExpiration)
	}
	r.updateGauges()
}

func (r *Resolver) recordLookup(kind datastore.ObservationKind, result string) {
	if r.metrics != nil {
		r.metrics.RecordResolverLookup(string(kind), result)
	}
}

func (r *Resolver) updateGauges() {
	if r.metrics == nil {
		return
	}
	stats := r.Stats()
	r.metrics.SetResolverCacheEntries("plant_name", stats.Plants)
	r.metrics.SetResolverCacheEntries("plant_id", stats.PlantIDs)
	r.metrics.SetResolverCacheEntries("disease_name", stats.Diseases)
	r.metrics.SetResolverCacheEntries("disease_id", stats.DiseaseIDs)
}

func plantEntity(p *datastore.Plant) *Entity {
	return &Entity{Kind: datastore.KindPlant, ID: p.ID, Name: p.Name}
}

func diseaseEntity(d *datastore.Disease) *Entity {
	return &Entity{Kind: datastore.KindDisease, ID: d.ID, Name: d.Name}
}

func ignoreNotFound(err error, kind datastore.ObservationKind, name string) error {
	if errors.IsNotFound(err) {
		return nil
	}
	return errors.New(err).
		Component("catalog").
		Category(errors.CategoryResolver).
		Context("kind", string(kind)).
		Context("name", name).
		Build()
}

func loadError(err error, kind datastore.ObservationKind) error {
	return errors.New(err).
		Component("catalog").
		Category(errors.CategoryResolver).
		Context("operation", "load").
		Context("kind", string(kind)).
		Build()
}
