package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"pagelens/internal/retrieval"
)

var (
	askLimit    int
	askNoStream bool
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Search indexed pages",
	Long:  `Embeds the query and lists the best matching pages with their scores and payload.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureReady(cmd.Context()); err != nil {
			return err
		}
		return ask(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), false)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <query>",
	Short: "Answer a question from the matching page images",
	Long: `Searches like ask, then hands the images of the top pages to the configured
language model and streams its answer followed by the sources.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureReady(cmd.Context()); err != nil {
			return err
		}
		return ask(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), true)
	},
}

func init() {
	for _, c := range []*cobra.Command{askCmd, analyzeCmd} {
		c.Flags().IntVarP(&askLimit, "limit", "n", 0, "number of results (default SEARCH_LIMIT)")
		rootCmd.AddCommand(c)
	}
	analyzeCmd.Flags().BoolVar(&askNoStream, "no-stream", false, "print the answer once it is complete")
}

// ask runs one query and prints either the ranked pages or a synthesized answer.
func ask(ctx context.Context, w io.Writer, query string, synthesize bool) error {
	q, err := retrieval.ValidateQuery(query)
	if err != nil {
		fail(w, "Invalid query: %v", err)
		return reported(err)
	}
	info(w, "Searching for: '%s'", q)

	if _, err := services.Searcher.CollectionReady(ctx); err != nil {
		if errors.Is(err, retrieval.ErrCollectionEmpty) {
			warn(w, "The collection is empty")
			tip(w, "Upload documents first with 'upload'")
			return reported(err)
		}
		return err
	}

	opts := retrieval.SearchOptions{Limit: askLimit}
	if !synthesize {
		hits, err := services.Searcher.Search(ctx, q, opts)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			warn(w, "No results found")
			return reported(retrieval.ErrNoResults)
		}
		printResults(w, q, hits)
		return nil
	}

	info(w, "Getting conversational response...")
	answer, err := services.Searcher.SearchWithSynthesis(ctx, q, retrieval.AnswerOptions{SearchOptions: opts, Stream: !askNoStream})
	switch {
	case errors.Is(err, retrieval.ErrNoResults):
		warn(w, "No results found")
		return reported(err)
	case errors.Is(err, retrieval.ErrAllPending):
		warn(w, "Matching pages are still uploading, try again shortly")
		if answer != nil {
			printResults(w, q, answer.Results)
		}
		return reported(err)
	case err != nil:
		return err
	}

	if answer.Unavailable != nil {
		warn(w, "Answer synthesis unavailable: %v", answer.Unavailable)
		tip(w, "Showing search results instead")
		printResults(w, q, answer.Results)
		return nil
	}

	header(w, "\n🧠 Response:")
	header(w, "%s", separator())
	for fragment, err := range answer.Fragments {
		if err != nil {
			fmt.Fprintln(w)
			fail(w, "Answer interrupted: %v", err)
			return reported(err)
		}
		infoColor.Fprint(w, fragment)
	}
	fmt.Fprintln(w)
	printSources(w, answer.Sources)
	return nil
}

var hiddenPayload = map[string]bool{
	retrieval.PayloadSource:        true,
	retrieval.PayloadDatasetIndex:  true,
	retrieval.PayloadBatchID:       true,
	retrieval.PayloadImageName:     true,
	retrieval.PayloadImageHash:     true,
	retrieval.PayloadUploadPending: true,
	retrieval.PayloadPageText:      true,
}

func printResults(w io.Writer, query string, hits []retrieval.ScoredPoint) {
	header(w, "\n🔎 Search results for '%s' (%d)", query, len(hits))
	header(w, "%s", separator())
	for i, p := range hits {
		info(w, "%2d. Document ID: %d", i+1, p.ID)
		fmt.Fprintf(w, "    Similarity Score: %.4f\n", p.Score)
		src, _ := p.Payload[retrieval.PayloadSource].(string)
		if src == "" {
			src = "Unknown"
		}
		fmt.Fprintf(w, "    Source: %s\n", src)

		keys := make([]string, 0, len(p.Payload))
		for k := range p.Payload {
			if !hiddenPayload[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := p.Payload[k]
			if k == retrieval.PayloadImageURL && v == nil {
				v = "(upload pending)"
			}
			fmt.Fprintf(w, "    %s: %v\n", title(k), v)
		}
		fmt.Fprintln(w)
	}
}

func printSources(w io.Writer, sources []retrieval.Source) {
	if len(sources) == 0 {
		return
	}
	header(w, "\n📚 Sources:")
	for i, s := range sources {
		name := s.Source
		if name == "" {
			name = "Unknown"
		}
		page := "Unknown"
		if s.Page > 0 {
			page = fmt.Sprint(s.Page)
		}
		infoColor.Fprintf(w, "  [%d] %s\n", i+1, s.URL)
		infoColor.Fprintf(w, "      Source: %s, Page: %s\n", name, page)
	}
}

func title(key string) string {
	words := strings.Split(key, "_")
	for i, word := range words {
		if word != "" {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}
