package tillsync

import (
	"fmt"
)

// ModelSpec describes one catalog entity class and the entities its
// records reference. Rehydration must load dependencies first so that
// references resolve the moment a record is materialized.
type ModelSpec struct {
	Entity    EntityType
	DependsOn []EntityType
}

// ModelRegistry holds the known entity classes in load order. The
// registry is built once at startup and read-only afterwards.
type ModelRegistry struct {
	ordered []ModelSpec
	index   map[EntityType]int
}

// NewModelRegistry creates an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		index: make(map[EntityType]int),
	}
}

// Register appends an entity class. Every dependency must already be
// registered, which forces callers to declare models in a valid
// topological order.
func (r *ModelRegistry) Register(spec ModelSpec) error {
	if spec.Entity == "" {
		return fmt.Errorf("model spec has empty entity")
	}
	if _, ok := r.index[spec.Entity]; ok {
		return fmt.Errorf("model %s already registered", spec.Entity)
	}
	for _, dep := range spec.DependsOn {
		if _, ok := r.index[dep]; !ok {
			return fmt.Errorf("model %s depends on unregistered %s", spec.Entity, dep)
		}
	}
	r.index[spec.Entity] = len(r.ordered)
	r.ordered = append(r.ordered, spec)
	return nil
}

// Ordered returns the entity classes in dependency order.
func (r *ModelRegistry) Ordered() []EntityType {
	out := make([]EntityType, len(r.ordered))
	for i, spec := range r.ordered {
		out[i] = spec.Entity
	}
	return out
}

// Has reports whether an entity class is registered.
func (r *ModelRegistry) Has(entity EntityType) bool {
	_, ok := r.index[entity]
	return ok
}

// Len returns the number of registered entity classes.
func (r *ModelRegistry) Len() int {
	return len(r.ordered)
}

// DefaultModels returns the registry for the standard point-of-sale
// catalog. Reference-free entities come first, products and pricing
// rules last.
func DefaultModels() *ModelRegistry {
	r := NewModelRegistry()
	specs := []ModelSpec{
		{Entity: EntityUOM},
		{Entity: EntityTax},
		{Entity: EntityPOSCategory},
		{Entity: EntityProductCategory},
		{Entity: EntityAttribute},
		{Entity: EntityAttributeValue, DependsOn: []EntityType{EntityAttribute}},
		{Entity: EntityTemplate, DependsOn: []EntityType{EntityProductCategory, EntityUOM, EntityTax}},
		{Entity: EntityProduct, DependsOn: []EntityType{EntityTemplate, EntityPOSCategory}},
		{Entity: EntityPricelist},
		{Entity: EntityPricelistItem, DependsOn: []EntityType{EntityPricelist, EntityProduct, EntityTemplate, EntityProductCategory}},
		{Entity: EntityCombo, DependsOn: []EntityType{EntityProduct}},
		{Entity: EntityPackaging, DependsOn: []EntityType{EntityProduct, EntityUOM}},
	}
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			// The default list is ordered by construction.
			panic(err)
		}
	}
	return r
}
