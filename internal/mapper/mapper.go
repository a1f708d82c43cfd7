// Package mapper implements pattern→attribute substitution: ordered regex
// rules that populate mapped values from the raw strings ingest left behind.
package mapper

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// regexCacheSize bounds the compiled-pattern cache. Patterns repeat heavily
// across items, so the cache stays hot for any realistic mapper set.
const regexCacheSize = 1024

// Engine applies mappers to attributes and keeps rule hit counts current.
type Engine struct {
	store storage.Storage
	attrs *attr.Engine
	cache *lru.Cache[string, *regexp.Regexp]
}

// New creates a mapper engine over a store and an attribute engine.
func New(store storage.Storage, attrs *attr.Engine) (*Engine, error) {
	cache, err := lru.New[string, *regexp.Regexp](regexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create regex cache: %w", err)
	}
	return &Engine{store: store, attrs: attrs, cache: cache}, nil
}

func (e *Engine) compile(expr string) (*regexp.Regexp, error) {
	if re, ok := e.cache.Get(expr); ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile mapping expression %q: %w", expr, err)
	}
	e.cache.Add(expr, re)
	return re, nil
}

// orderedRules returns the mapper's rules in application order: descending
// hits, insertion order as the tiebreak.
func orderedRules(m *types.Mapper) []*types.MappingItem {
	rules := make([]*types.MappingItem, len(m.Items))
	copy(rules, m.Items)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Hits != rules[j].Hits {
			return rules[i].Hits > rules[j].Hits
		}
		return rules[i].Position < rules[j].Position
	})
	return rules
}

// Apply walks one attribute and substitutes every leaf whose schema matches
// the mapper's target schema. Original values are never touched; only the
// mapped slot and its bookkeeping fields are written. Reports whether any
// leaf changed.
func (e *Engine) Apply(ctx context.Context, m *types.Mapper, a *attr.Attribute) (bool, error) {
	if a == nil || a.Locked {
		return false, nil
	}
	if a.SchemaUID == m.AttributeSchemaUID {
		return e.applyLeaf(ctx, m, a)
	}
	changed := false
	switch payload := a.Value().(type) {
	case map[string]*attr.Attribute:
		for _, child := range payload {
			c, err := e.Apply(ctx, m, child)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
	case []*attr.Attribute:
		for _, child := range payload {
			c, err := e.Apply(ctx, m, child)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
	case *attr.UnionValue:
		c, err := e.Apply(ctx, m, payload.Attribute)
		if err != nil {
			return changed, err
		}
		changed = c
	}
	if changed {
		e.attrs.RefreshDisplay(a)
	}
	return changed, nil
}

func (e *Engine) applyLeaf(ctx context.Context, m *types.Mapper, a *attr.Attribute) (bool, error) {
	if a.MappableValue == nil {
		return false, nil
	}
	for _, rule := range orderedRules(m) {
		re, err := e.compile(rule.Expression)
		if err != nil {
			return false, err
		}
		if !re.MatchString(*a.MappableValue) {
			continue
		}
		repl := rule.Attribute.Clone()
		a.Mapped = repl.Value()
		a.MappingItemUID = &rule.UID
		a.DisplayValue = rule.Attribute.DisplayValue
		a.Valid = false
		rule.Hits++
		if err := e.store.IncrementMappingHits(ctx, rule.UID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ApplyToItem applies a mapper to every root attribute of an item whose
// schema matches the mapper's root schema, persisting the item when anything
// changed.
func (e *Engine) ApplyToItem(ctx context.Context, m *types.Mapper, item *types.Item) (bool, error) {
	if item.Locked {
		return false, nil
	}
	changed := false
	for _, set := range []map[string]*attr.Attribute{item.Attributes, item.PrivateAttributes} {
		for _, a := range set {
			if a.SchemaUID != m.RootAttributeSchema {
				continue
			}
			c, err := e.Apply(ctx, m, a)
			if err != nil {
				return false, err
			}
			changed = changed || c
		}
	}
	if changed {
		if err := e.store.UpdateItem(ctx, item); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// Conflict reports two mappers claiming the same root attribute schema. The
// engine applies the first-attached mapper and surfaces the rest instead of
// guessing intent.
type Conflict struct {
	RootAttributeSchema uuid.UUID
	Applied             string // mapper name that won
	Skipped             string
}

func (c Conflict) String() string {
	return fmt.Sprintf("mappers %q and %q both target root attribute schema %s; %q applied",
		c.Applied, c.Skipped, c.RootAttributeSchema, c.Applied)
}

// ApplyToProject applies every mapper of the project's attached mapper
// groups to the project's items, the project attributes, and the dataset
// attributes. Returns the single-owner conflicts encountered, if any.
func (e *Engine) ApplyToProject(ctx context.Context, project *types.Project) ([]Conflict, error) {
	mappers, conflicts, err := e.projectMappers(ctx, project)
	if err != nil {
		return nil, err
	}
	if len(mappers) == 0 {
		return conflicts, nil
	}

	items, _, err := e.store.ListItems(ctx, types.ItemFilter{DatasetUID: &project.DatasetUID})
	if err != nil {
		return conflicts, err
	}
	for _, m := range mappers {
		for _, item := range items {
			if _, err := e.ApplyToItem(ctx, m, item); err != nil {
				return conflicts, err
			}
		}

		changed, err := e.applyToSet(ctx, m, project.Attributes)
		if err != nil {
			return conflicts, err
		}
		if changed {
			if err := e.store.UpdateProject(ctx, project); err != nil {
				return conflicts, err
			}
		}

		dataset, err := e.store.GetDataset(ctx, project.DatasetUID)
		if err != nil {
			return conflicts, err
		}
		changed, err = e.applyToSet(ctx, m, dataset.Attributes)
		if err != nil {
			return conflicts, err
		}
		if changed {
			if err := e.store.UpdateDataset(ctx, dataset); err != nil {
				return conflicts, err
			}
		}
	}
	return conflicts, nil
}

func (e *Engine) applyToSet(ctx context.Context, m *types.Mapper, set map[string]*attr.Attribute) (bool, error) {
	changed := false
	for _, a := range set {
		if a.SchemaUID != m.RootAttributeSchema {
			continue
		}
		c, err := e.Apply(ctx, m, a)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// projectMappers resolves the project's mapper groups into a mapper list,
// enforcing one mapper per root attribute schema.
func (e *Engine) projectMappers(ctx context.Context, project *types.Project) ([]*types.Mapper, []Conflict, error) {
	var (
		mappers   []*types.Mapper
		conflicts []Conflict
		byRoot    = map[uuid.UUID]*types.Mapper{}
	)
	for _, groupUID := range project.MapperGroupUIDs {
		group, err := e.store.GetMapperGroup(ctx, groupUID)
		if err != nil {
			return nil, nil, err
		}
		for _, mapperUID := range group.MapperUIDs {
			m, err := e.store.GetMapper(ctx, mapperUID)
			if err != nil {
				return nil, nil, err
			}
			if winner, taken := byRoot[m.RootAttributeSchema]; taken {
				conflicts = append(conflicts, Conflict{
					RootAttributeSchema: m.RootAttributeSchema,
					Applied:             winner.Name,
					Skipped:             m.Name,
				})
				continue
			}
			byRoot[m.RootAttributeSchema] = m
			mappers = append(mappers, m)
		}
	}
	return mappers, conflicts, nil
}

// AddRule appends a rule to a mapper and re-applies the mapper everywhere
// its root attribute schema appears.
func (e *Engine) AddRule(ctx context.Context, mapperUID uuid.UUID, rule *types.MappingItem) error {
	rule.MapperUID = mapperUID
	if err := e.store.AddMappingItem(ctx, rule); err != nil {
		return err
	}
	return e.Reapply(ctx, mapperUID)
}

// UpdateRule overwrites a rule and re-applies the owning mapper.
func (e *Engine) UpdateRule(ctx context.Context, rule *types.MappingItem) error {
	if err := e.store.UpdateMappingItem(ctx, rule); err != nil {
		return err
	}
	return e.Reapply(ctx, rule.MapperUID)
}

// DeleteRule removes a rule and re-applies the owning mapper so previously
// matched attributes get remapped by the surviving rules.
func (e *Engine) DeleteRule(ctx context.Context, mapperUID, ruleUID uuid.UUID) error {
	if err := e.store.DeleteMappingItem(ctx, ruleUID); err != nil {
		return err
	}
	return e.Reapply(ctx, mapperUID)
}

// Reapply runs a mapper over every project whose data can carry its root
// attribute schema. Write amplification is accepted; rule changes are rare.
func (e *Engine) Reapply(ctx context.Context, mapperUID uuid.UUID) error {
	m, err := e.store.GetMapper(ctx, mapperUID)
	if err != nil {
		return err
	}
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		items, _, err := e.store.ListItems(ctx, types.ItemFilter{DatasetUID: &project.DatasetUID})
		if err != nil {
			return err
		}
		for _, item := range items {
			// Clear stale results from this mapper before rematching.
			cleared := resetMapping(m, item.Attributes)
			if resetMapping(m, item.PrivateAttributes) {
				cleared = true
			}
			changed, err := e.ApplyToItem(ctx, m, item)
			if err != nil {
				return err
			}
			if cleared && !changed && !item.Locked {
				if err := e.store.UpdateItem(ctx, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// resetMapping clears mapped values previously written by the given mapper
// so a deleted or changed rule does not leave orphaned substitutions.
func resetMapping(m *types.Mapper, set map[string]*attr.Attribute) bool {
	cleared := false
	var walk func(a *attr.Attribute)
	walk = func(a *attr.Attribute) {
		if a == nil {
			return
		}
		if a.SchemaUID == m.AttributeSchemaUID && a.MappingItemUID != nil {
			// A rule that no longer exists also gets cleared.
			a.Mapped = nil
			a.MappingItemUID = nil
			a.Valid = false
			if a.MappableValue != nil {
				a.DisplayValue = *a.MappableValue
			}
			cleared = true
		}
		switch payload := a.Value().(type) {
		case map[string]*attr.Attribute:
			for _, child := range payload {
				walk(child)
			}
		case []*attr.Attribute:
			for _, child := range payload {
				walk(child)
			}
		case *attr.UnionValue:
			walk(payload.Attribute)
		}
	}
	for _, a := range set {
		if a.SchemaUID == m.RootAttributeSchema {
			walk(a)
		}
	}
	return cleared
}
