package memory

import (
	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/types"
)

// Clones copy the containers so callers cannot alias stored state. Attribute
// pointers are shared; mutation goes through UpdateItem which replaces the map.

func cloneAttrs(attrs map[string]*attr.Attribute) map[string]*attr.Attribute {
	if attrs == nil {
		return nil
	}
	out := make(map[string]*attr.Attribute, len(attrs))
	for k, v := range attrs {
		a := *v
		out[k] = &a
	}
	return out
}

func cloneItem(item *types.Item) *types.Item {
	c := *item
	c.Attributes = cloneAttrs(item.Attributes)
	c.PrivateAttributes = cloneAttrs(item.PrivateAttributes)
	c.Files = append([]types.ImageFile(nil), item.Files...)
	c.ValidAttributes = cloneBool(item.ValidAttributes)
	c.ValidRelations = cloneBool(item.ValidRelations)
	return &c
}

func cloneProject(p *types.Project) *types.Project {
	c := *p
	c.Attributes = cloneAttrs(p.Attributes)
	c.MapperGroupUIDs = append([]uuid.UUID(nil), p.MapperGroupUIDs...)
	return &c
}

func cloneDataset(d *types.Dataset) *types.Dataset {
	c := *d
	c.Attributes = cloneAttrs(d.Attributes)
	c.ValidAttributes = cloneBool(d.ValidAttributes)
	return &c
}

func cloneBatch(b *types.Batch) *types.Batch {
	c := *b
	return &c
}

func cloneMapper(m *types.Mapper) *types.Mapper {
	c := *m
	c.Items = make([]*types.MappingItem, 0, len(m.Items))
	for _, mi := range m.Items {
		c.Items = append(c.Items, cloneMappingItem(mi))
	}
	return &c
}

func cloneMappingItem(mi *types.MappingItem) *types.MappingItem {
	c := *mi
	if mi.Attribute != nil {
		a := *mi.Attribute
		c.Attribute = &a
	}
	return &c
}

func cloneMapperGroup(g *types.MapperGroup) *types.MapperGroup {
	c := *g
	c.MapperUIDs = append([]uuid.UUID(nil), g.MapperUIDs...)
	return &c
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
