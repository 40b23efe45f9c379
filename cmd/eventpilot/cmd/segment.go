package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/client"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/configstore"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/core/config"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/engine"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

var (
	eventID      string
	outputFormat string
)

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Drive the segmentation engine against a gateway",
	Long: `segment runs the same flows as the CRM page: hydrate the persisted
filter state, generate or refine an AI segment, switch saved segments and
page through results. Every command starts by restoring persisted state.`,
}

var segmentHydrateCmd = &cobra.Command{
	Use:   "hydrate",
	Short: "Restore and print the persisted segment state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		return s.print(cmd)
	},
}

var segmentGenerateCmd = &cobra.Command{
	Use:   "generate [prompt...]",
	Short: "Generate, save and apply a segment from a prompt",
	Long: `generate turns a natural-language prompt into a segment, saves it and
makes it the active filter. Without arguments the prompt is read from stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		res, err := promptFlags(cmd)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			s.surface.defaults = res
			err = s.engine.OpenPrompt(cmd.Context(), engine.PromptRequest{Title: res.Title})
		} else {
			res.Prompt = strings.Join(args, " ")
			err = s.engine.Generate(cmd.Context(), res)
		}
		if err != nil {
			return err
		}
		return s.print(cmd)
	},
}

var segmentRefineCmd = &cobra.Command{
	Use:   "refine [prompt...]",
	Short: "Refine the active segment",
	Long: `refine regenerates the active segment from an edited prompt. When only
--title is given the active saved segment is renamed without regenerating.
Without arguments or --title the prompt is read from stdin, prefilled with
the active one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		snap := s.engine.Snapshot()
		if !snap.HasActiveAI() {
			return errors.New("no active AI segment to refine (run 'eventpilot segment generate' first)")
		}
		res, err := promptFlags(cmd)
		if err != nil {
			return err
		}
		switch {
		case len(args) > 0:
			res.Prompt = strings.Join(args, " ")
			err = s.engine.Refine(cmd.Context(), res)
		case cmd.Flags().Changed("title"):
			res.Prompt = snap.LastPrompt
			err = s.engine.Refine(cmd.Context(), res)
		default:
			s.surface.defaults = res
			err = s.engine.OpenRefine(cmd.Context())
		}
		if err != nil {
			return err
		}
		return s.print(cmd)
	},
}

var segmentUseCmd = &cobra.Command{
	Use:   "use <segment-id>",
	Short: "Run a saved segment and make it active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		if err := s.engine.UseSavedSegment(cmd.Context(), types.SegmentID(args[0])); err != nil {
			return err
		}
		return s.print(cmd)
	},
}

var segmentClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the active AI segment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		if err := s.engine.Clear(cmd.Context()); err != nil {
			return err
		}
		return s.print(cmd)
	},
}

var segmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved segments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		list, err := s.engine.LoadSavedSegments(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, newSavedViews(list))
	},
}

var segmentFavoriteCmd = &cobra.Command{
	Use:   "favorite <segment-id>",
	Short: "Toggle a saved segment's favorite flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		updated, err := s.engine.ToggleFavorite(cmd.Context(), types.SegmentID(args[0]))
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, newSavedView(updated))
	},
}

var segmentPageCmd = &cobra.Command{
	Use:   "page",
	Short: "Re-run the active segment for another page or sort",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		table := engine.NewTableSource(s.engine, nil)
		ctx := cmd.Context()
		flags := cmd.Flags()
		if flags.Changed("order-by") || flags.Changed("order") {
			orderBy, _ := flags.GetString("order-by")
			order, _ := flags.GetString("order")
			if err := table.SetOrder(ctx, orderBy, order); err != nil {
				return err
			}
		}
		if flags.Changed("size") {
			size, _ := flags.GetInt("size")
			if err := table.SetSize(ctx, size); err != nil {
				return err
			}
		}
		if flags.Changed("page") {
			page, _ := flags.GetInt("page")
			if err := table.SetPage(ctx, page); err != nil {
				return err
			}
		}
		return render(cmd.OutOrStdout(), outputFormat, newTableView(table.View()))
	},
}

func init() {
	rootCmd.AddCommand(segmentCmd)
	segmentCmd.PersistentFlags().StringVar(&eventID, "event", "", "event id (required)")
	segmentCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format (yaml, json)")
	_ = segmentCmd.MarkPersistentFlagRequired("event")

	for _, c := range []*cobra.Command{segmentGenerateCmd, segmentRefineCmd} {
		c.Flags().String("title", "", "segment title (blank asks for a suggestion)")
		c.Flags().Float32("temperature", 0, "model temperature (0-2)")
		c.Flags().Bool("include-context", false, "send saved segments and today's date to the model")
		c.Flags().Bool("debug", false, "request upstream debug output")
	}

	segmentPageCmd.Flags().Int("page", 0, "zero-based page")
	segmentPageCmd.Flags().Int("size", 0, "page size")
	segmentPageCmd.Flags().String("order-by", "", "sort column")
	segmentPageCmd.Flags().String("order", "", "sort direction (asc, desc)")

	segmentCmd.AddCommand(
		segmentHydrateCmd,
		segmentGenerateCmd,
		segmentRefineCmd,
		segmentUseCmd,
		segmentClearCmd,
		segmentListCmd,
		segmentFavoriteCmd,
		segmentPageCmd,
	)
}

// session is one engine wired to the gateway for a single command.
type session struct {
	engine  *engine.Engine
	surface *lineSurface
}

func newSession() (*session, error) {
	id := types.EventID(strings.TrimSpace(eventID))
	if id == "" {
		return nil, errors.New("--event is required")
	}
	c := client.New(cfg.Client.BaseURL,
		client.WithHTTPClient(&http.Client{Timeout: cfg.Client.Timeout}),
		client.WithToken(config.ClientToken()),
		client.WithLogger(logger),
	)
	store := configstore.New(c, logger)
	surface := newLineSurface(rootCmd.InOrStdin(), rootCmd.ErrOrStderr())
	return &session{
		engine: engine.New(c, store, id,
			engine.WithLogger(logger),
			engine.WithPromptSurface(surface),
		),
		surface: surface,
	}, nil
}

// openSession builds a session and restores the persisted state. A failed
// restore leaves the session on manual filters; the engine logs it.
func openSession(cmd *cobra.Command) (*session, error) {
	s, err := newSession()
	if err != nil {
		return nil, err
	}
	if err := s.engine.Hydrate(cmd.Context(), defaultPagination()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not restore segment state: %v\n", err)
	}
	return s, nil
}

func defaultPagination() types.Pagination {
	p := engine.DefaultPagination()
	if cfg != nil && cfg.Client.PageSize > 0 {
		p.Size = cfg.Client.PageSize
	}
	return p
}

func (s *session) print(cmd *cobra.Command) error {
	return render(cmd.OutOrStdout(), outputFormat, newStateView(s.engine.Snapshot(), nil))
}

// promptFlags reads the generate/refine flags into a result. Temperature is
// only sent when given.
func promptFlags(cmd *cobra.Command) (engine.PromptResult, error) {
	flags := cmd.Flags()
	var res engine.PromptResult
	res.Title, _ = flags.GetString("title")
	res.IncludeContext, _ = flags.GetBool("include-context")
	res.Debug, _ = flags.GetBool("debug")
	if flags.Changed("temperature") {
		t, err := flags.GetFloat32("temperature")
		if err != nil {
			return res, err
		}
		if t < 0 || t > 2 {
			return res, fmt.Errorf("--temperature must be between 0 and 2, got %v", t)
		}
		res.Temperature = &t
	}
	return res, nil
}

// tableView is the printable form of one table page.
type tableView struct {
	UsingAI    bool             `json:"usingAi" yaml:"usingAi"`
	Title      string           `json:"title,omitempty" yaml:"title,omitempty"`
	TotalRows  int              `json:"totalRows" yaml:"totalRows"`
	Pagination types.Pagination `json:"pagination" yaml:"pagination"`
	Rows       []any            `json:"rows" yaml:"rows"`
}

func newTableView(v engine.TableView) tableView {
	rows := decodeRows(v.Data)
	if rows == nil {
		rows = []any{}
	}
	return tableView{
		UsingAI:    v.UsingAI,
		Title:      v.Title,
		TotalRows:  v.TotalRows,
		Pagination: v.Pagination,
		Rows:       rows,
	}
}
