package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/types"
)

var mapperCmd = &cobra.Command{
	Use:   "mapper",
	Short: "Manage value mappers and mapper groups",
}

var mapperCreateCmd = &cobra.Command{
	Use:   "create <name> --attribute <tag>",
	Short: "Create a mapper for one attribute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tag, _ := cmd.Flags().GetString("attribute")
		return withEngine(func(ctx context.Context, e *engine) error {
			as, ok := e.reg.AttributeSchemaByName(tag)
			if !ok {
				return fmt.Errorf("attribute %q: not declared in the schema", tag)
			}
			m := &types.Mapper{
				UID:                 idgen.New(),
				Name:                args[0],
				AttributeSchemaUID:  as.UID,
				RootAttributeSchema: as.UID,
			}
			if err := e.store.CreateMapper(ctx, m); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(m)
			}
			fmt.Printf("Created mapper %s (%s) for attribute %s\n", m.Name, m.UID, tag)
			return nil
		})(cmd, args)
	},
}

var mapperListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mappers and their rules",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine) error {
		mappers, err := e.store.ListMappers(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(mappers)
		}
		for _, m := range mappers {
			fmt.Printf("%s %s (%d rules)\n", m.UID, m.Name, len(m.Items))
			for _, rule := range m.Items {
				fmt.Printf("  %q -> %s (%d hits)\n", rule.Expression, rule.Attribute.DisplayValue, rule.Hits)
			}
		}
		return nil
	}),
}

var mapperAddRuleCmd = &cobra.Command{
	Use:   "add-rule <mapper-uid> <expression> <value>",
	Short: "Add a substitution rule to a mapper",
	Long: `Add a substitution rule to a mapper.

The expression is a regular expression matched against incoming raw values;
the value is the replacement, in the same form "item set" accepts.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("mapper uid", args[0])
			if err != nil {
				return err
			}
			m, err := e.store.GetMapper(ctx, uid)
			if err != nil {
				return err
			}
			as, ok := e.reg.AttributeSchema(m.AttributeSchemaUID)
			if !ok {
				return fmt.Errorf("mapper %s: attribute schema %s not found", m.Name, m.AttributeSchemaUID)
			}
			raw, err := parseAttributeValue(e, as.Tag, args[2])
			if err != nil {
				return err
			}
			repl, err := attr.NewEngine(e.reg).New(as.UID, raw)
			if err != nil {
				return err
			}
			rule := &types.MappingItem{
				UID:        idgen.New(),
				MapperUID:  uid,
				Expression: args[1],
				Attribute:  repl,
			}
			if err := e.svc.Mappers().AddRule(ctx, uid, rule); err != nil {
				return err
			}
			fmt.Printf("Added rule %q to mapper %s\n", args[1], m.Name)
			return nil
		})(cmd, args)
	},
}

var mapperReapplyCmd = &cobra.Command{
	Use:   "reapply <mapper-uid>",
	Short: "Re-run a mapper over every unresolved attribute it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("mapper uid", args[0])
			if err != nil {
				return err
			}
			return e.svc.Mappers().Reapply(ctx, uid)
		})(cmd, args)
	},
}

var mapperGroupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage mapper groups",
}

var mapperGroupCreateCmd = &cobra.Command{
	Use:   "create <name> --mapper <uid>...",
	Short: "Create a mapper group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mapperArgs, _ := cmd.Flags().GetStringSlice("mapper")
		return withEngine(func(ctx context.Context, e *engine) error {
			group := &types.MapperGroup{UID: idgen.New(), Name: args[0]}
			for _, raw := range mapperArgs {
				uid, err := parseUID("mapper uid", raw)
				if err != nil {
					return err
				}
				group.MapperUIDs = append(group.MapperUIDs, uid)
			}
			if err := e.store.CreateMapperGroup(ctx, group); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(group)
			}
			fmt.Printf("Created mapper group %s (%s)\n", group.Name, group.UID)
			return nil
		})(cmd, args)
	},
}

var mapperAttachCmd = &cobra.Command{
	Use:   "attach <group-uid> --project <uid>",
	Short: "Attach a mapper group to a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectArg, _ := cmd.Flags().GetString("project")
		return withEngine(func(ctx context.Context, e *engine) error {
			groupUID, err := parseUID("group uid", args[0])
			if err != nil {
				return err
			}
			projectUID, err := parseUID("project uid", projectArg)
			if err != nil {
				return err
			}
			if _, err := e.store.GetMapperGroup(ctx, groupUID); err != nil {
				return err
			}
			p, err := e.svc.GetProject(ctx, projectUID)
			if err != nil {
				return err
			}
			for _, uid := range p.MapperGroupUIDs {
				if uid == groupUID {
					fmt.Println("Group already attached")
					return nil
				}
			}
			p.MapperGroupUIDs = append(p.MapperGroupUIDs, groupUID)
			if err := e.store.UpdateProject(ctx, p); err != nil {
				return err
			}
			fmt.Printf("Attached group %s to project %s\n", groupUID, p.Name)
			return nil
		})(cmd, args)
	},
}

func init() {
	mapperCreateCmd.Flags().String("attribute", "", "attribute tag the mapper owns (required)")
	_ = mapperCreateCmd.MarkFlagRequired("attribute")
	mapperGroupCreateCmd.Flags().StringSlice("mapper", nil, "mapper uids to include")
	mapperGroupCmd.AddCommand(mapperGroupCreateCmd)
	mapperAttachCmd.Flags().String("project", "", "project to attach to (required)")
	_ = mapperAttachCmd.MarkFlagRequired("project")

	mapperCmd.AddCommand(mapperCreateCmd)
	mapperCmd.AddCommand(mapperListCmd)
	mapperCmd.AddCommand(mapperAddRuleCmd)
	mapperCmd.AddCommand(mapperReapplyCmd)
	mapperCmd.AddCommand(mapperGroupCmd)
	mapperCmd.AddCommand(mapperAttachCmd)
	rootCmd.AddCommand(mapperCmd)
}
