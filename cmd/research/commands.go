package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/deep-research/internal/app"
	"github.com/ashureev/deep-research/internal/config"
	"github.com/ashureev/deep-research/internal/domain"
	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/research"
)

// builder turns loaded configuration into an App.
type builder func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.App, error)

func defaultBuilder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

type cli struct {
	configFile string
	envFile    string
	verbose    bool
	build      builder
}

func newRootCmd(build builder) *cobra.Command {
	c := &cli{build: build}

	rootCmd := &cobra.Command{
		Use:   "research",
		Short: "Deep research assistant",
		Long: `Plans a research topic, asks clarifying questions, runs iterative web
searches and writes a final report. Runs are checkpointed and can be resumed.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&c.configFile, "config", "c", "", "configuration file path (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&c.envFile, "env-file", "", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "verbose logging to stderr")

	startCmd := &cobra.Command{
		Use:   "start <topic>",
		Short: "Start a new research run",
		Long:  `Plans the topic and prints the clarifying questions. With --interactive the answers are read from stdin and the run continues to the report.`,
		Args:  cobra.ExactArgs(1),
		RunE:  c.runStart,
	}
	startCmd.Flags().String("run-id", "", "run identifier (generated when empty)")
	startCmd.Flags().BoolP("interactive", "i", false, "answer the questions on stdin and finish the run")

	resumeCmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a suspended run",
		Long:  `Continues a run with a combined query, or with answers to the clarifying questions in order. An empty combined query sends the run back through planning.`,
		Args:  cobra.ExactArgs(1),
		RunE:  c.runResume,
	}
	resumeCmd.Flags().String("combined-query", "", "confirmed research query")
	resumeCmd.Flags().StringArrayP("answer", "a", nil, "answer to the next clarifying question (repeatable)")
	resumeCmd.MarkFlagsMutuallyExclusive("combined-query", "answer")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runShow,
	}
	showCmd.Flags().Bool("report", false, "print only the final report")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  c.runList,
	}

	resetCmd := &cobra.Command{
		Use:   "reset <run-id>",
		Short: "Delete a run",
		Args:  cobra.ExactArgs(1),
		RunE:  c.runReset,
	}

	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the workflow as a Mermaid flowchart",
		Args:  cobra.NoArgs,
		RunE:  c.runGraph,
	}

	rootCmd.AddCommand(startCmd, resumeCmd, showCmd, listCmd, resetCmd, graphCmd)
	return rootCmd
}

func (c *cli) open(cmd *cobra.Command) (*app.App, error) {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.LoadFile(c.configFile)
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) && len(ce.Missing) > 0 {
			return nil, fmt.Errorf("missing credentials: %s", strings.Join(ce.Missing, ", "))
		}
		return nil, err
	}

	level := "warn"
	if c.verbose {
		level = "debug"
	}
	logger := app.NewLogger(cmd.ErrOrStderr(), level)

	a, err := c.build(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (c *cli) runStart(cmd *cobra.Command, args []string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = research.NewRunID()
	}
	interactive, _ := cmd.Flags().GetBool("interactive")
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Run %s\n", runID)
	last, err := follow(out, a.Service.Start(cmd.Context(), research.StartRequest{RunID: runID, InitialQuery: args[0]}))
	if err != nil {
		return err
	}
	if !interactive || last.Status != graph.StatusSuspended {
		if last.Status == graph.StatusSuspended {
			fmt.Fprintf(out, "\nAnswer with: research resume %s --answer ... (one per question)\n", runID)
		}
		return nil
	}

	answers, err := promptAnswers(cmd.InOrStdin(), out, questionsOf(last.State))
	if err != nil {
		return err
	}
	_, err = follow(out, a.Service.Answer(cmd.Context(), runID, answers))
	return err
}

func (c *cli) runResume(cmd *cobra.Command, args []string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	runID := args[0]
	out := cmd.OutOrStdout()

	given, _ := cmd.Flags().GetStringArray("answer")
	if len(given) == 0 {
		combined, _ := cmd.Flags().GetString("combined-query")
		_, err = follow(out, a.Service.Resume(cmd.Context(), runID, combined))
		return err
	}

	run, err := a.Service.Get(cmd.Context(), runID)
	if err != nil {
		return err
	}
	answers, err := pairAnswers(questionsOf(run.State), given)
	if err != nil {
		return err
	}
	_, err = follow(out, a.Service.Answer(cmd.Context(), runID, answers))
	return err
}

func (c *cli) runShow(cmd *cobra.Command, args []string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	run, err := a.Service.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if only, _ := cmd.Flags().GetBool("report"); only {
		if run.State.FinalReport == "" {
			return fmt.Errorf("run %s has no report yet (status %s)", run.RunID, run.Status)
		}
		fmt.Fprintln(out, run.State.FinalReport)
		return nil
	}
	describeRun(out, run)
	return nil
}

func (c *cli) runList(cmd *cobra.Command, _ []string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	runs, err := a.Service.List(cmd.Context(), "")
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tNEXT\tUPDATED\tQUERY")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.RunID, run.Status, orDash(run.Next), run.UpdatedAt.Local().Format(time.DateTime), truncate(run.State.InitialQuery, 60))
	}
	return tw.Flush()
}

func (c *cli) runReset(cmd *cobra.Command, args []string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := a.Service.Reset(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s deleted\n", args[0])
	return nil
}

func (c *cli) runGraph(cmd *cobra.Command, _ []string) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	fmt.Fprintln(cmd.OutOrStdout(), a.Service.Describe())
	return nil
}

// follow prints each snapshot as it arrives and returns the last one.
func follow(out io.Writer, seq iter.Seq2[research.Snapshot, error]) (research.Snapshot, error) {
	var last research.Snapshot
	for snap, err := range seq {
		if err != nil {
			return last, err
		}
		printSnapshot(out, snap)
		last = snap
	}
	return last, nil
}

func printSnapshot(out io.Writer, snap research.Snapshot) {
	s := snap.State
	switch snap.Node {
	case research.NodePlanResearch:
		if s.ResearchPlan != nil {
			fmt.Fprintf(out, "Plan: breadth %d, depth %d\n", s.ResearchPlan.Breadth, s.ResearchPlan.Depth)
			if s.ResearchPlan.Explanation != "" {
				fmt.Fprintf(out, "  %s\n", s.ResearchPlan.Explanation)
			}
		}
	case research.NodeAskUser:
		fmt.Fprintln(out, "Clarifying questions:")
		for i, q := range questionsOf(s) {
			fmt.Fprintf(out, "  %d. %s\n", i+1, q)
		}
	case research.NodeGenerateInitialQueries:
		fmt.Fprintf(out, "Initial queries: %s\n", strings.Join(s.QueriesToRun, "; "))
	case research.NodeExecuteSearch:
		fmt.Fprintf(out, "Depth %d done: %d learnings, %d queries completed\n",
			s.CurrentDepth-1, len(s.AllLearnings), len(s.CompletedQueries))
	case research.NodeGenerateReport:
		fmt.Fprintf(out, "\n%s\n", s.FinalReport)
	default:
		fmt.Fprintf(out, "%s\n", snap.Node)
	}
}

func describeRun(out io.Writer, run *research.Run) {
	s := run.State
	fmt.Fprintf(out, "Run:      %s\n", run.RunID)
	fmt.Fprintf(out, "Status:   %s\n", run.Status)
	fmt.Fprintf(out, "Next:     %s\n", orDash(run.Next))
	fmt.Fprintf(out, "Updated:  %s\n", run.UpdatedAt.Local().Format(time.DateTime))
	if run.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", run.Error)
	}
	fmt.Fprintf(out, "Query:    %s\n", s.InitialQuery)
	if s.ResearchPlan != nil {
		fmt.Fprintf(out, "Plan:     breadth %d, depth %d\n", s.ResearchPlan.Breadth, s.ResearchPlan.Depth)
	}
	if qs := questionsOf(s); len(qs) > 0 && run.Status == graph.StatusSuspended {
		fmt.Fprintln(out, "Questions:")
		for i, q := range qs {
			fmt.Fprintf(out, "  %d. %s\n", i+1, q)
		}
	}
	if len(s.CompletedQueries) > 0 {
		fmt.Fprintf(out, "Searched: %d queries, %d learnings\n", len(s.CompletedQueries), len(s.AllLearnings))
	}
	if s.FinalReport != "" {
		fmt.Fprintf(out, "\n%s\n", s.FinalReport)
	}
}

func questionsOf(s domain.AgentState) []string {
	if s.FollowUpForUser == nil {
		return nil
	}
	return s.FollowUpForUser.Questions
}

// promptAnswers reads one line per question. EOF leaves the remaining questions unanswered.
func promptAnswers(in io.Reader, out io.Writer, questions []string) ([]domain.FollowUpAnswer, error) {
	scanner := bufio.NewScanner(in)
	answers := make([]domain.FollowUpAnswer, 0, len(questions))
	fmt.Fprintln(out)
	for _, q := range questions {
		fmt.Fprintf(out, "%s\n> ", q)
		if !scanner.Scan() {
			break
		}
		answers = append(answers, domain.FollowUpAnswer{Question: q, Answer: scanner.Text()})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read answers: %w", err)
	}
	fmt.Fprintln(out)
	return answers, nil
}

func pairAnswers(questions, given []string) ([]domain.FollowUpAnswer, error) {
	if len(questions) == 0 {
		return nil, errors.New("run has no clarifying questions; use --combined-query")
	}
	if len(given) > len(questions) {
		return nil, fmt.Errorf("got %d answers for %d questions", len(given), len(questions))
	}
	answers := make([]domain.FollowUpAnswer, len(given))
	for i, a := range given {
		answers[i] = domain.FollowUpAnswer{Question: questions[i], Answer: a}
	}
	return answers, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
