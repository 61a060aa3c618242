// Copyright 2015 Tamás Demeter-Haludka
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"regexp"
	"strings"

	"github.com/aridwiprayogo/blogify"
	"github.com/surge/porter2"
)

// Relevance of the properties that are not listed in the relevance map of IndexDataFromResource.
var DefaultRelevance = 0.1

var Stemmers = map[string]func(string) string{
	"en": porter2.Stem,
}

// Creates IndexData entries from a text.
func IndexDataFromText(lang, s string, relevance float64, owner string) []IndexData {
	stems := TextToStemmedWords(lang, s)
	d := []IndexData{}
	for _, stem := range stems {
		d = append(d, IndexData{
			Keyword:   stem,
			Relevance: relevance,
			Owner:     owner,
		})
	}

	return d
}

// Creates IndexData entries from the searchable string properties of a resource.
//
// The relevance map is keyed by property name. Values that are uuids are skipped.
func IndexDataFromResource(lang string, res blogify.Resource, relevance map[string]float64, owner string) []IndexData {
	d := []IndexData{}

	for name, value := range blogify.SanitizeSearchable(res) {
		rel, ok := relevance[name]
		if !ok {
			rel = DefaultRelevance
		}

		switch v := value.(type) {
		case string:
			if blogify.IsUUID(v) {
				continue
			}
			d = append(d, IndexDataFromText(lang, v, rel, owner)...)
		case []string:
			d = append(d, IndexDataFromText(lang, strings.Join(v, " "), rel, owner)...)
		}
	}

	return MergeIndexData(d)
}

func TextToStemmedWords(lang, s string) []string {
	return textToWordsWithStemmer(s, Stemmers[lang])
}

var wordTokenizerRegex = regexp.MustCompile(`[\W_]+`)

func textToWordsWithStemmer(s string, stem func(string) string) []string {
	words := wordTokenizerRegex.Split(strings.TrimSpace(s), -1)

	uniqueWords := make(map[string]struct{})
	list := []string{}

	for _, word := range words {
		word = strings.ToLower(word)
		if stem != nil {
			word = stem(word)
		}
		if word == "" {
			continue
		}
		if _, ok := uniqueWords[word]; ok {
			continue
		}
		uniqueWords[word] = struct{}{}
		list = append(list, word)
	}

	return list
}
