package main

import (
	"github.com/dekarrin/graphite/models"
	"github.com/dekarrin/graphite/provider"
)

// statements returns the DDL for the stock tables with prefix applied. Tables
// are created in dependency order and dropped in reverse.
func statements(prefix string, drop bool) ([]string, error) {
	schemas := models.Schemas()

	if drop {
		stmts := []string{models.DropJoinerTable(prefix)}
		for i := len(schemas) - 1; i >= 0; i-- {
			stmts = append(stmts, provider.DropTable(schemas[i], prefix))
		}
		return stmts, nil
	}

	var stmts []string
	for _, s := range schemas {
		ddl, err := provider.CreateTable(s, prefix)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, ddl)
	}
	stmts = append(stmts, models.JoinerTable(prefix))
	return stmts, nil
}
