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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type indexedPost struct {
	UUID   string   `json:"uuid"`
	Author string   `json:"author"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Tags   []string `json:"tags"`
	Email  string   `json:"email" nosearch:"true"`
	Secret string   `json:"secret" noslice:"true"`
	Views  int      `json:"views"`
}

func TestTextToStemmedWords(t *testing.T) {
	Convey("Given a text", t, func() {
		Convey("The words should be lowercased, stemmed and unique", func() {
			So(TextToStemmedWords("en", "The cats and the DOGS, the dogs!"), ShouldResemble, []string{"the", "cat", "and", "dog"})
		})

		Convey("An empty text should have no words", func() {
			So(TextToStemmedWords("en", ""), ShouldBeEmpty)
			So(TextToStemmedWords("en", " ,.! "), ShouldBeEmpty)
		})

		Convey("An unknown language should not be stemmed", func() {
			So(TextToStemmedWords("xx", "Cats"), ShouldResemble, []string{"cats"})
		})
	})
}

func TestIndexDataFromResource(t *testing.T) {
	Convey("Given a resource", t, func() {
		p := &indexedPost{
			UUID:   "6f1c3c56-2a7e-4b7e-9a55-0d1c6b0f4c21",
			Author: "0b8f4d7e-7c0b-4b43-8d0e-6f3b0f8e5a11",
			Title:  "Gopher",
			Body:   "gopher story",
			Tags:   []string{"golang"},
			Email:  "someone@example.com",
			Secret: "password",
			Views:  5,
		}

		data := IndexDataFromResource("en", p, map[string]float64{
			"title": 0.7,
			"body":  0.5,
		}, "owner")

		relevance := map[string]float64{}
		for _, d := range data {
			So(d.Owner, ShouldEqual, "owner")
			relevance[d.Keyword] = d.Relevance
		}

		Convey("The searchable strings should be indexed with their relevance", func() {
			So(relevance, ShouldResemble, map[string]float64{
				"gopher": 1,
				"stori":  0.5,
				"golang": DefaultRelevance,
			})
		})
	})

	Convey("Given a text", t, func() {
		data := IndexDataFromText("en", "Running runners", 0.3, "")

		Convey("Every stem should be an entry", func() {
			So(data, ShouldResemble, []IndexData{
				{Keyword: "run", Relevance: 0.3},
				{Keyword: "runner", Relevance: 0.3},
			})
		})
	})
}
