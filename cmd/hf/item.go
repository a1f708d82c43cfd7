package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/histoflow/histoflow/internal/types"
)

var itemCmd = &cobra.Command{
	Use:   "item",
	Short: "Inspect and edit curated items",
}

var itemListCmd = &cobra.Command{
	Use:   "list --batch <uid>",
	Short: "List items in a batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		batchArg, _ := cmd.Flags().GetString("batch")
		identifier, _ := cmd.Flags().GetString("identifier")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		return withEngine(func(ctx context.Context, e *engine) error {
			batchUID, err := parseUID("batch uid", batchArg)
			if err != nil {
				return err
			}
			filter := types.ItemFilter{
				BatchUID:           &batchUID,
				IdentifierContains: identifier,
				SortBy:             types.SortIdentifier,
				Offset:             offset,
				Limit:              limit,
			}
			items, total, err := e.svc.ListItems(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"total": total, "items": items})
			}
			w := newTable()
			fmt.Fprintln(w, "UID\tIDENTIFIER\tKIND\tSELECTED\tVALID\tSTATUS")
			for _, it := range items {
				sel := "no"
				if it.Selected {
					sel = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					it.UID, it.Identifier, it.Kind, sel, boolMark(it.ValidAttributes), it.Status)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d of %d items\n", len(items), total)
			return nil
		})(cmd, args)
	},
}

var itemShowCmd = &cobra.Command{
	Use:   "show <item-uid>",
	Short: "Show one item with its attributes and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("item uid", args[0])
			if err != nil {
				return err
			}
			item, err := e.svc.GetItem(ctx, uid)
			if err != nil {
				return err
			}
			events, err := e.store.ListEvents(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"item": item, "events": events})
			}
			fmt.Printf("%s %s (%s)\n", item.Kind, item.Identifier, item.UID)
			fmt.Printf("  selected: %v  locked: %v  valid: %s\n",
				item.Selected, item.Locked, boolMark(item.ValidAttributes))
			if item.Status != "" {
				fmt.Printf("  status: %s", item.Status)
				if item.StatusMessage != "" {
					fmt.Printf(" (%s)", item.StatusMessage)
				}
				fmt.Println()
			}
			for tag, a := range item.Attributes {
				fmt.Printf("  %s = %s\n", tag, a.DisplayValue)
			}
			for _, ev := range events {
				fmt.Printf("  [%s] %s %s -> %s\n", ev.Created.Format("2006-01-02 15:04:05"), ev.Type, ev.OldValue, ev.NewValue)
			}
			return nil
		})(cmd, args)
	},
}

var itemSelectCmd = &cobra.Command{
	Use:   "select <item-uid>",
	Short: "Select or de-select an item for processing and export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("item uid", args[0])
			if err != nil {
				return err
			}
			if err := e.svc.SelectItem(ctx, uid, !off); err != nil {
				return err
			}
			state := "selected"
			if off {
				state = "de-selected"
			}
			fmt.Printf("Item %s %s\n", uid, state)
			return nil
		})(cmd, args)
	},
}

var itemSetCmd = &cobra.Command{
	Use:   "set <item-uid> <tag> <value>",
	Short: "Update one attribute and re-validate the item",
	Long: `Update one attribute and re-validate the item.

The value is parsed according to the attribute's declared kind; code
attributes accept code^scheme^meaning triplets.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("item uid", args[0])
			if err != nil {
				return err
			}
			value, err := parseAttributeValue(e, args[1], args[2])
			if err != nil {
				return err
			}
			if err := e.svc.UpdateAttribute(ctx, uid, args[1], value); err != nil {
				return err
			}
			fmt.Printf("Updated %s on item %s\n", args[1], uid)
			return nil
		})(cmd, args)
	},
}

var itemRetryCmd = &cobra.Command{
	Use:   "retry <image-uid...>",
	Short: "Re-queue failed images at high priority",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uids := make([]uuid.UUID, 0, len(args))
			for _, raw := range args {
				uid, err := parseUID("image uid", raw)
				if err != nil {
					return err
				}
				uids = append(uids, uid)
			}
			if err := e.svc.RetryImages(ctx, uids); err != nil {
				return err
			}
			fmt.Printf("Retried %d images\n", len(uids))
			return nil
		})(cmd, args)
	},
}

func init() {
	itemListCmd.Flags().String("batch", "", "batch to list (required)")
	_ = itemListCmd.MarkFlagRequired("batch")
	itemListCmd.Flags().String("identifier", "", "substring filter on identifiers")
	itemListCmd.Flags().Int("limit", 50, "page size")
	itemListCmd.Flags().Int("offset", 0, "page offset")
	itemSelectCmd.Flags().Bool("off", false, "de-select instead of select")

	itemCmd.AddCommand(itemListCmd)
	itemCmd.AddCommand(itemShowCmd)
	itemCmd.AddCommand(itemSelectCmd)
	itemCmd.AddCommand(itemSetCmd)
	itemCmd.AddCommand(itemRetryCmd)
	rootCmd.AddCommand(itemCmd)
}
