package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/devrev/opsync/internal/applier"
	"github.com/devrev/opsync/internal/model"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func parseEntityType(s string) (model.EntityType, error) {
	et := model.EntityType(strings.ToUpper(s))
	if !et.Valid() || et == model.EntityGlobalConfig {
		names := make([]string, 0, len(model.EntityTypes))
		for _, t := range model.EntityTypes {
			if t != model.EntityGlobalConfig {
				names = append(names, strings.ToLower(string(t)))
			}
		}
		return "", fmt.Errorf("unknown entity type %q (one of %s)", s, strings.Join(names, ", "))
	}
	return et, nil
}

// parseFields turns key=value arguments into fields. Values that parse as
// JSON keep their type; anything else is a string.
func parseFields(args []string) (model.Fields, error) {
	fields := make(model.Fields, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}

func recordIntent(ctx context.Context, a *app, intent applier.LocalIntent) error {
	op, err := a.syncer.RecordLocal(ctx, intent)
	if err != nil {
		return err
	}
	if op != nil {
		fmt.Printf("%s %s %s (op %s)\n", op.ActionType, strings.ToLower(string(op.EntityType)), strings.Join(op.TargetIDs(), ","), op.ID)
	}
	return nil
}

func entityIntent(action model.ActionType, opType model.OpType, et model.EntityType, id string, fields model.Fields) (applier.LocalIntent, error) {
	payload, err := model.EncodePayload(model.EntityPayload{Fields: fields})
	if err != nil {
		return applier.LocalIntent{}, err
	}
	return applier.LocalIntent{
		ActionType: action,
		OpType:     opType,
		EntityType: et,
		EntityID:   id,
		Payload:    payload,
	}, nil
}

func addCmd(opts *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "add TYPE key=value...",
		Short: "Create an entity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityType(args[0])
			if err != nil {
				return err
			}
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			intent, err := entityIntent(model.ActionAdd, model.OpCreate, et, id, fields)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return recordIntent(ctx, a, intent)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entity ID (default: random UUID)")
	return cmd
}

func updateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update TYPE ID key=value...",
		Short: "Update fields of an entity",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityType(args[0])
			if err != nil {
				return err
			}
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			intent, err := entityIntent(model.ActionUpdate, model.OpUpdate, et, args[1], fields)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, ok := a.syncer.State().Entity(et, args[1]); !ok {
					return fmt.Errorf("%s %s not found", strings.ToLower(string(et)), args[1])
				}
				return recordIntent(ctx, a, intent)
			})
		},
	}
}

func deleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TYPE ID",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityType(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return recordIntent(ctx, a, applier.LocalIntent{
					ActionType: model.ActionDelete,
					OpType:     model.OpDelete,
					EntityType: et,
					EntityID:   args[1],
				})
			})
		},
	}
}

func archiveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive TYPE ID...",
		Short: "Move entities to the archive",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityType(args[0])
			if err != nil {
				return err
			}
			ids := args[1:]
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				state := a.syncer.State()
				entities := make(map[string]model.Fields, len(ids))
				for _, id := range ids {
					fields, ok := state.Entity(et, id)
					if !ok {
						return fmt.Errorf("%s %s not found", strings.ToLower(string(et)), id)
					}
					entities[id] = fields
				}
				return recordArchiveMove(ctx, a, model.ActionMoveToArchive, et, ids, entities)
			})
		},
	}
}

func restoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore TYPE ID...",
		Short: "Restore entities from the archive",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			et, err := parseEntityType(args[0])
			if err != nil {
				return err
			}
			ids := args[1:]
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				entities := make(map[string]model.Fields, len(ids))
				for _, id := range ids {
					fields, err := a.archive.Get(ctx, et, id)
					if err != nil {
						return fmt.Errorf("%s %s: %w", strings.ToLower(string(et)), id, err)
					}
					entities[id] = fields
				}
				return recordArchiveMove(ctx, a, model.ActionRestoreFromArchive, et, ids, entities)
			})
		},
	}
}

func recordArchiveMove(ctx context.Context, a *app, action model.ActionType, et model.EntityType, ids []string, entities map[string]model.Fields) error {
	payload, err := model.EncodePayload(model.ArchivePayload{Entities: entities})
	if err != nil {
		return err
	}
	return recordIntent(ctx, a, applier.LocalIntent{
		ActionType: action,
		OpType:     model.OpBatch,
		EntityType: et,
		EntityIDs:  ids,
		Payload:    payload,
	})
}

func configCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config SECTION key=value...",
		Short: "Update a section of the global config",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			payload, err := model.EncodePayload(model.ConfigPayload{Section: args[0], Fields: fields})
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				return recordIntent(ctx, a, applier.LocalIntent{
					ActionType: model.ActionUpdateConfig,
					OpType:     model.OpUpdate,
					EntityType: model.EntityGlobalConfig,
					EntityID:   args[0],
					Payload:    payload,
				})
			})
		},
	}
}

func showCmd(opts *rootOptions) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "show [TYPE]",
		Short: "Print the current state as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				var out any
				switch {
				case archived:
					if len(args) == 0 {
						return fmt.Errorf("--archived needs an entity type")
					}
					et, err := parseEntityType(args[0])
					if err != nil {
						return err
					}
					entities, err := a.archive.List(ctx, et)
					if err != nil {
						return err
					}
					out = entities
				case len(args) == 1:
					et, err := parseEntityType(args[0])
					if err != nil {
						return err
					}
					out = a.syncer.State().Entities[et]
				default:
					out = a.syncer.State()
				}

				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived entities instead")
	return cmd
}

func formatCounts(counts map[model.EntityType]int) []string {
	lines := make([]string, 0, len(counts))
	for et, n := range counts {
		lines = append(lines, fmt.Sprintf("%-15s %d", strings.ToLower(string(et))+":", n))
	}
	sort.Strings(lines)
	return lines
}
