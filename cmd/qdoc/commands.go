package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hylla/qdoc/internal/adapters/metrics/prom"
	"github.com/hylla/qdoc/internal/adapters/server"
	"github.com/hylla/qdoc/internal/adapters/server/common"
	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/config"
	"github.com/hylla/qdoc/internal/domain"
	"github.com/spf13/cobra"
)

// errActorRequired is returned when neither a flag nor [identity] actor names the actor.
var errActorRequired = errors.New("actor is required: pass --by or set [identity] actor")

func newPathsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, data, and log locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := opts.resolvePaths()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(out, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(out, "config: %s\n", paths.ConfigPath)
			_, _ = fmt.Fprintf(out, "data_dir: %s\n", paths.DataDir)
			_, _ = fmt.Fprintf(out, "db: %s\n", paths.DBPath)
			_, _ = fmt.Fprintf(out, "log_dir: %s\n", paths.LogDir)
			_, _ = fmt.Fprintf(out, "export_dir: %s\n", paths.ExportDir)
			return nil
		},
	}
}

func newDocCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doc",
		Short: "Create documents and move them through review, approval, and retirement",
	}
	cmd.AddCommand(
		newDocCreateCommand(opts),
		newDocSubmitCommand(opts),
		newDocTransitionCommand(opts, "approve", "Approve a document, archiving the active revision it supersedes"),
		newDocTransitionCommand(opts, "retire", "Retire a document, archiving its current revision"),
		newDocShowCommand(opts),
		newDocListCommand(opts),
		newDocHistoryCommand(opts),
	)
	return cmd
}

func newDocCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		orgID, docType, title, contentHash, file string
		createdBy, marginImpact, extractionID     string
		maintenanceCost                           float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft document at version 0.1",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "doc create", func(ctx context.Context, env *runtimeEnv, _ []string) error {
		if strings.TrimSpace(file) != "" {
			if strings.TrimSpace(contentHash) != "" {
				return errors.New("--content-hash and --file are mutually exclusive")
			}
			hash, err := hashFile(file)
			if err != nil {
				return err
			}
			contentHash = hash
		}
		typ, err := domain.ParseDocumentType(docType)
		if err != nil {
			return err
		}
		in := app.CreateDocumentInput{
			OrgID:        orgID,
			Type:         typ,
			Title:        title,
			ContentHash:  contentHash,
			CreatedBy:    env.actor(createdBy),
			ExtractionID: extractionID,
		}
		if in.CreatedBy == "" {
			return errActorRequired
		}
		if cmd.Flags().Changed("maintenance-cost") {
			in.MaintenanceCost = &maintenanceCost
		}
		if strings.TrimSpace(marginImpact) != "" {
			impact, err := domain.ParseMarginImpact(marginImpact)
			if err != nil {
				return err
			}
			in.MarginImpact = impact
		}
		doc, err := env.svc.CreateDocument(ctx, in)
		if err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		env.logger.Info("document created", "document_id", doc.ID, "org_id", doc.OrgID)
		return env.printDocument(doc)
	})
	flags := cmd.Flags()
	flags.StringVar(&orgID, "org", "", "organization id")
	flags.StringVar(&docType, "type", "", "procedure, manual, checklist, or policy")
	flags.StringVar(&title, "title", "", "document title")
	flags.StringVar(&contentHash, "content-hash", "", "content hash of the stored body")
	flags.StringVar(&file, "file", "", "hash this file's bytes as the content hash")
	flags.StringVar(&createdBy, "by", "", "creator (defaults to [identity] actor)")
	flags.Float64Var(&maintenanceCost, "maintenance-cost", 0, "maintenance cost estimate")
	flags.StringVar(&marginImpact, "margin-impact", "", "low, medium, or high (default low)")
	flags.StringVar(&extractionID, "extraction", "", "source extraction id")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newDocSubmitCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <document-id>",
		Short: "Move a draft into review",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withRuntime(opts, "doc submit", func(ctx context.Context, env *runtimeEnv, args []string) error {
		doc, err := env.svc.SubmitForReview(ctx, args[0])
		if err != nil {
			return fmt.Errorf("submit document: %w", err)
		}
		return env.printDocument(doc)
	})
	return cmd
}

// newDocTransitionCommand builds approve and retire, which share actor and reason flags.
func newDocTransitionCommand(opts *globalOptions, verb, short string) *cobra.Command {
	var by, reason string
	cmd := &cobra.Command{
		Use:   verb + " <document-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withRuntime(opts, "doc "+verb, func(ctx context.Context, env *runtimeEnv, args []string) error {
		actor := env.actor(by)
		var (
			doc domain.Document
			err error
		)
		switch verb {
		case "approve":
			if actor == "" {
				return errActorRequired
			}
			doc, err = env.svc.Approve(ctx, args[0], actor, reason)
		default:
			doc, err = env.svc.Retire(ctx, args[0], actor, reason)
		}
		if err != nil {
			return fmt.Errorf("%s document: %w", verb, err)
		}
		env.logger.Info("document transitioned", "document_id", doc.ID, "status", doc.Status, "version", doc.Version.String())
		return env.printDocument(doc)
	})
	cmd.Flags().StringVar(&by, "by", "", "acting user (defaults to [identity] actor)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the archived snapshot")
	return cmd
}

func newDocShowCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withRuntime(opts, "doc show", func(ctx context.Context, env *runtimeEnv, args []string) error {
		doc, err := env.svc.GetDocument(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get document: %w", err)
		}
		return env.printDocument(doc)
	})
	return cmd
}

func newDocListCommand(opts *globalOptions) *cobra.Command {
	var orgID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an organization's documents",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "doc list", func(ctx context.Context, env *runtimeEnv, _ []string) error {
		var filter domain.DocumentStatus
		if strings.TrimSpace(status) != "" {
			parsed, err := domain.ParseDocumentStatus(status)
			if err != nil {
				return err
			}
			filter = parsed
		}
		docs, err := env.svc.ListByOrg(ctx, orgID, filter)
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		r, err := env.renderer()
		if err != nil {
			return err
		}
		return r.Documents(env.stdout, docs)
	})
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&status, "status", "", "only list documents in this status")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newDocHistoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <document-id>",
		Short: "List archived revisions, most recent first",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withRuntime(opts, "doc history", func(ctx context.Context, env *runtimeEnv, args []string) error {
		entries, err := env.svc.GetHistory(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}
		r, err := env.renderer()
		if err != nil {
			return err
		}
		return r.History(env.stdout, entries)
	})
	return cmd
}

func newRiskCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Evaluate revision risk",
	}
	docCmd := &cobra.Command{
		Use:   "doc <document-id>",
		Short: "Evaluate one document",
		Args:  cobra.ExactArgs(1),
	}
	docCmd.RunE = withRuntime(opts, "risk doc", func(ctx context.Context, env *runtimeEnv, args []string) error {
		analysis, err := env.svc.AnalyzeDocument(ctx, args[0])
		if err != nil {
			return fmt.Errorf("analyze document: %w", err)
		}
		r, err := env.renderer()
		if err != nil {
			return err
		}
		return r.Analysis(env.stdout, analysis)
	})
	orgCmd := &cobra.Command{
		Use:   "org <org-id>",
		Short: "Evaluate every active and in-review document of an organization",
		Args:  cobra.ExactArgs(1),
	}
	orgCmd.RunE = withRuntime(opts, "risk org", func(ctx context.Context, env *runtimeEnv, args []string) error {
		analyses, err := env.svc.AnalyzeOrganization(ctx, args[0])
		if err != nil {
			return fmt.Errorf("analyze organization: %w", err)
		}
		r, err := env.renderer()
		if err != nil {
			return err
		}
		return r.Analyses(env.stdout, args[0], analyses)
	})
	cmd.AddCommand(docCmd, orgCmd)
	return cmd
}

func newExtractionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extraction",
		Short: "Record procedure extractions and generate documents from them",
	}

	var inPath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Record extractions from a JSON object or array",
		Args:  cobra.NoArgs,
	}
	importCmd.RunE = withRuntime(opts, "extraction import", func(ctx context.Context, env *runtimeEnv, _ []string) error {
		extractions, err := readExtractions(inPath, os.Stdin)
		if err != nil {
			return err
		}
		for i, ext := range extractions {
			stored, err := env.svc.RecordExtraction(ctx, ext)
			if err != nil {
				return fmt.Errorf("record extraction %d: %w", i, err)
			}
			env.logger.Debug("extraction recorded", "extraction_id", stored.ID, "org_id", stored.OrgID, "status", stored.Status)
		}
		_, err = fmt.Fprintf(env.stdout, "recorded %d extraction(s)\n", len(extractions))
		return err
	})
	importCmd.Flags().StringVar(&inPath, "in", "-", "input JSON file ('-' for stdin)")

	var linkBy string
	linkCmd := &cobra.Command{
		Use:   "link <org-id> <extraction-id>",
		Short: "Create a draft procedure from a completed extraction",
		Args:  cobra.ExactArgs(2),
	}
	linkCmd.RunE = withRuntime(opts, "extraction link", func(ctx context.Context, env *runtimeEnv, args []string) error {
		actor := env.actor(linkBy)
		if actor == "" {
			return errActorRequired
		}
		doc, err := env.svc.CreateDocumentFromExtraction(ctx, args[0], args[1], actor)
		if err != nil {
			return fmt.Errorf("link extraction: %w", err)
		}
		return env.printDocument(doc)
	})
	linkCmd.Flags().StringVar(&linkBy, "by", "", "creator (defaults to [identity] actor)")

	unlinkedCmd := &cobra.Command{
		Use:   "unlinked <org-id>",
		Short: "List completed extractions without a document",
		Args:  cobra.ExactArgs(1),
	}
	unlinkedCmd.RunE = withRuntime(opts, "extraction unlinked", func(ctx context.Context, env *runtimeEnv, args []string) error {
		ids, err := env.svc.FindUnlinkedExtractions(ctx, args[0])
		if err != nil {
			return fmt.Errorf("find unlinked extractions: %w", err)
		}
		if env.jsonOutput() {
			return writeIndentedJSON(env.stdout, common.UnlinkedExtractions{OrgID: args[0], ExtractionIDs: nonNilStrings(ids)})
		}
		for _, id := range ids {
			if _, err := fmt.Fprintln(env.stdout, id); err != nil {
				return err
			}
		}
		return nil
	})

	autoCmd := &cobra.Command{
		Use:   "auto <org-id>",
		Short: "Create documents for every unlinked completed extraction",
		Args:  cobra.ExactArgs(1),
	}
	autoCmd.RunE = withRuntime(opts, "extraction auto", func(ctx context.Context, env *runtimeEnv, args []string) error {
		processed, err := env.svc.AutoProcessUnlinked(ctx, args[0])
		if err != nil {
			return fmt.Errorf("auto-process extractions: %w", err)
		}
		if env.jsonOutput() {
			return writeIndentedJSON(env.stdout, common.AutoProcessResult{OrgID: args[0], Processed: processed})
		}
		_, err = fmt.Fprintf(env.stdout, "processed %d extraction(s)\n", processed)
		return err
	})

	cmd.AddCommand(importCmd, linkCmd, unlinkedCmd, autoCmd)
	return cmd
}

func newExportCommand(opts *globalOptions) *cobra.Command {
	var orgID, outPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an organization's documents, history, and extractions as a JSON snapshot",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "export", func(ctx context.Context, env *runtimeEnv, _ []string) error {
		snap, err := env.svc.ExportSnapshot(ctx, orgID)
		if err != nil {
			return fmt.Errorf("export snapshot: %w", err)
		}
		encoded, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("encode snapshot json: %w", err)
		}
		encoded = append(encoded, '\n')

		if outPath == "-" {
			if _, err := env.stdout.Write(encoded); err != nil {
				return fmt.Errorf("write snapshot to stdout: %w", err)
			}
			return nil
		}
		target := outPath
		if filepath.Base(target) == target {
			target = filepath.Join(env.paths.ExportDir, target)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create export output dir: %w", err)
		}
		if err := os.WriteFile(target, encoded, 0o644); err != nil {
			return fmt.Errorf("write export file: %w", err)
		}
		env.logger.Info("snapshot exported", "org_id", snap.OrgID, "documents", len(snap.Documents), "path", target)
		_, err = fmt.Fprintln(env.stdout, target)
		return err
	})
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	cmd.Flags().StringVar(&outPath, "out", "-", "output file path ('-' for stdout; bare names land in the export dir)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newIdentityCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the default acting user",
	}
	setCmd := &cobra.Command{
		Use:   "set <actor>",
		Short: "Persist [identity] actor in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, configPath, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := config.UpsertIdentityActor(configPath, args[0]); err != nil {
				return fmt.Errorf("persist identity: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "actor set to %s in %s\n", strings.TrimSpace(args[0]), configPath)
			return err
		},
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the configured actor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			actor := strings.TrimSpace(cfg.Identity.Actor)
			if actor == "" {
				actor = "(unset)"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), actor)
			return err
		},
	}
	cmd.AddCommand(setCmd, showCmd)
	return cmd
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var bind, apiEndpoint, mcpEndpoint string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, MCP tools, health, and metrics endpoints",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withRuntime(opts, "serve", func(ctx context.Context, env *runtimeEnv, _ []string) error {
		metrics := prom.NewRecorder()
		svc := env.newService(metrics)

		srvCfg := server.Config{
			HTTPBind:      firstNonEmpty(bind, env.cfg.Server.HTTPBind),
			APIEndpoint:   firstNonEmpty(apiEndpoint, env.cfg.Server.APIEndpoint),
			MCPEndpoint:   firstNonEmpty(mcpEndpoint, env.cfg.Server.MCPEndpoint),
			ServerName:    env.opts.appName,
			ServerVersion: version,
		}
		env.logger.Info("serve starting", "http_bind", srvCfg.HTTPBind, "api_endpoint", srvCfg.APIEndpoint, "mcp_endpoint", srvCfg.MCPEndpoint)
		err := server.Run(ctx, srvCfg, server.Dependencies{
			Services: common.NewAppServiceAdapter(svc, env.cfg.Identity.Actor).Services(),
			Storage:  env.store,
			Metrics:  metrics.Handler(),
		})
		if err != nil {
			return fmt.Errorf("run server: %w", err)
		}
		env.logger.Info("serve stopped")
		return nil
	})
	cmd.Flags().StringVar(&bind, "http", "", "listen address (defaults to [server] http_bind)")
	cmd.Flags().StringVar(&apiEndpoint, "api-endpoint", "", "REST API mount path")
	cmd.Flags().StringVar(&mcpEndpoint, "mcp-endpoint", "", "MCP mount path")
	return cmd
}

// printDocument writes one document in the selected format.
func (e *runtimeEnv) printDocument(doc domain.Document) error {
	if e.jsonOutput() {
		return writeIndentedJSON(e.stdout, doc)
	}
	r, err := e.renderer()
	if err != nil {
		return err
	}
	return r.Documents(e.stdout, []domain.Document{doc})
}

// readExtractions decodes one extraction object or an array of them.
func readExtractions(path string, stdin io.Reader) ([]domain.ProcedureExtraction, error) {
	var (
		content []byte
		err     error
	)
	if path == "" || path == "-" {
		content, err = io.ReadAll(stdin)
	} else {
		content, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read extractions: %w", err)
	}
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return nil, errors.New("no extractions in input")
	}
	if content[0] == '[' {
		var out []domain.ProcedureExtraction
		if err := json.Unmarshal(content, &out); err != nil {
			return nil, fmt.Errorf("decode extractions json: %w", err)
		}
		return out, nil
	}
	var one domain.ProcedureExtraction
	if err := json.Unmarshal(content, &one); err != nil {
		return nil, fmt.Errorf("decode extraction json: %w", err)
	}
	return []domain.ProcedureExtraction{one}, nil
}

// hashFile returns the sha256 content hash of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open content file: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash content file: %w", err)
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

func writeIndentedJSON(w io.Writer, payload any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
