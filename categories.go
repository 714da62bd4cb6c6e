package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"
)

const (
	LANG_JA = "ja"
	LANG_EN = "en"
)

var ErrVocabularyLoad = errors.New("failed to load category vocabulary")

// a category as it appears in the vocabulary file.
type CategoryDefinition struct {
	Id        string
	Ja        string
	En        string
	AliasesJa []string
	AliasesEn []string
}

// maps a display label, per language, to a category id.
// built once by `build_category_index` and never modified after, safe to read from many goroutines.
type CategoryIndex struct {
	JaToId map[string]string
	EnToId map[string]string
}

func (idx *CategoryIndex) label_map(lang string) map[string]string {
	switch lang {
	case LANG_JA:
		return idx.JaToId
	case LANG_EN:
		return idx.EnToId
	}
	panic("programming error, unknown language: " + lang)
}

// resolves each name in `name_list` to a category id using the labels for `lang`.
// returns the sorted set of ids found and the names that matched nothing, in the order given.
func (idx *CategoryIndex) resolve(lang string, name_list []string) ([]string, []string) {
	label_map := idx.label_map(lang)
	id_list := []string{}
	unknown_list := []string{}
	for _, name := range name_list {
		id, present := label_map[name]
		if !present {
			unknown_list = append(unknown_list, name)
			continue
		}
		id_list = append(id_list, id)
	}
	return sorted_set(id_list), unknown_list
}

// registers `label` => `id` in `label_map`.
// a label already pointing at a different category is re-pointed, the last definition wins.
func register_label(label_map map[string]string, lang, label, id string) {
	if label == "" {
		return
	}
	existing_id, present := label_map[label]
	if present && existing_id != id {
		slog.Info("category label defined twice, using the last definition", "lang", lang, "label", label, "previous", existing_id, "id", id)
	}
	label_map[label] = id
}

func build_category_index(def_list []CategoryDefinition) *CategoryIndex {
	idx := &CategoryIndex{
		JaToId: map[string]string{},
		EnToId: map[string]string{},
	}
	for _, def := range def_list {
		if def.Id == "" {
			slog.Debug("skipping category without an id", "ja", def.Ja, "en", def.En)
			continue
		}
		register_label(idx.JaToId, LANG_JA, def.Ja, def.Id)
		register_label(idx.EnToId, LANG_EN, def.En, def.Id)
		for _, alias := range def.AliasesJa {
			register_label(idx.JaToId, LANG_JA, alias, def.Id)
		}
		for _, alias := range def.AliasesEn {
			register_label(idx.EnToId, LANG_EN, alias, def.Id)
		}
	}
	return idx
}

// a null list or null item is skipped rather than failing the vocabulary.
func string_list(result gjson.Result) []string {
	str_list := []string{}
	for _, item := range result.Array() {
		if item.Type == gjson.Null {
			continue
		}
		str_list = append(str_list, item.String())
	}
	return str_list
}

// reads and validates the category vocabulary at `path`.
func read_categories(path string) ([]CategoryDefinition, error) {
	data, err := slurp_bytes(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVocabularyLoad, err)
	}

	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrVocabularyLoad)
	}

	err = validate_json(CATEGORIES_SCHEMA, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVocabularyLoad, err)
	}

	def_list := []CategoryDefinition{}
	gjson.ParseBytes(data).ForEach(func(_, cat gjson.Result) bool {
		def_list = append(def_list, CategoryDefinition{
			Id:        cat.Get("id").String(),
			Ja:        cat.Get("ja").String(),
			En:        cat.Get("en").String(),
			AliasesJa: string_list(cat.Get("aliases_ja")),
			AliasesEn: string_list(cat.Get("aliases_en")),
		})
		return true
	})
	return def_list, nil
}

// loads the category vocabulary at `path` into a `CategoryIndex`.
// a missing or broken vocabulary is not fatal, an empty index is returned and no category will resolve.
func load_categories(path string) *CategoryIndex {
	if !path_exists(path) {
		slog.Info("category vocabulary not found, no categories will resolve", "path", path)
		return build_category_index(nil)
	}

	def_list, err := read_categories(path)
	if err != nil {
		slog.Error("no categories will resolve", "path", path, "error", err)
		return build_category_index(nil)
	}

	idx := build_category_index(def_list)
	slog.Info("loaded categories", "num", len(def_list), "ja-labels", len(idx.JaToId), "en-labels", len(idx.EnToId))
	return idx
}
