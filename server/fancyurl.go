package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/ifo/sanic"

	"github.com/govtt/govtt"
)

// FancyURL generates default slugs of the form <verb>-<adjective>-<noun>
// from the seed word lists. When the lists are missing it falls back to a
// sanic snowflake slug.
type FancyURL struct {
	verbs      []string
	adjectives []string
	nouns      []string
	worker     *sanic.Worker
}

// loadFancyURL reads the word lists under fancyurl/. Absent or empty files
// simply leave the generator in fallback mode. The snowflake worker is
// shared so consecutive fallback slugs stay distinct.
func loadFancyURL(dir string) *FancyURL {
	return &FancyURL{
		verbs:      loadWords(filepath.Join(dir, "verbs.txt")),
		adjectives: loadWords(filepath.Join(dir, "adjectives.txt")),
		nouns:      loadWords(filepath.Join(dir, "nouns.txt")),
		worker:     sanic.NewWorker7(),
	}
}

func loadWords(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" && govtt.SlugPattern.MatchString(word) {
			words = append(words, word)
		}
	}
	return words
}

// Generate returns a fresh slug.
func (f *FancyURL) Generate() string {
	if len(f.verbs) == 0 || len(f.adjectives) == 0 || len(f.nouns) == 0 {
		return f.worker.IDString(f.worker.NextID())
	}
	return fmt.Sprintf("%s-%s-%s",
		f.verbs[rand.Intn(len(f.verbs))],
		f.adjectives[rand.Intn(len(f.adjectives))],
		f.nouns[rand.Intn(len(f.nouns))],
	)
}
