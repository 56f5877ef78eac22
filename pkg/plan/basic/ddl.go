package basic

import (
	"regexp"
	"strings"

	"github.com/YarShev/omniscidb/pkg/catalog"
	"github.com/YarShev/omniscidb/pkg/plan"
)

// Patterns for DDL and SHOW classification. The engine's DDL dialect carries
// column encodings and user options a generic SQL parser does not accept, so
// these statements are matched before parsing.
var (
	createDatabasePattern = regexp.MustCompile(`(?is)^\s*CREATE\s+DATABASE\s+(IF\s+NOT\s+EXISTS\s+)?([a-zA-Z_][a-zA-Z0-9_]*)\s*;?\s*$`)
	dropDatabasePattern   = regexp.MustCompile(`(?is)^\s*DROP\s+DATABASE\s+(IF\s+EXISTS\s+)?([a-zA-Z_][a-zA-Z0-9_]*)\s*;?\s*$`)
	createTablePattern    = regexp.MustCompile(`(?is)^\s*CREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\s+)?([a-zA-Z_][a-zA-Z0-9_]*)\s*\((.+)\)\s*;?\s*$`)
	dropTablePattern      = regexp.MustCompile(`(?is)^\s*DROP\s+TABLE\s+(IF\s+EXISTS\s+)?([a-zA-Z_][a-zA-Z0-9_]*)\s*;?\s*$`)
	createUserPattern     = regexp.MustCompile(`(?is)^\s*CREATE\s+USER\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\((.*)\)\s*;?\s*$`)
	dropUserPattern       = regexp.MustCompile(`(?is)^\s*DROP\s+USER\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*;?\s*$`)
	grantPattern          = regexp.MustCompile(`(?is)^\s*GRANT\s+(.+?)\s+ON\s+DATABASE\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+TO\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*;?\s*$`)
	revokePattern         = regexp.MustCompile(`(?is)^\s*REVOKE\s+(.+?)\s+ON\s+DATABASE\s+([a-zA-Z_][a-zA-Z0-9_]*)\s+FROM\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*;?\s*$`)
	showDatabasesPattern  = regexp.MustCompile(`(?is)^\s*SHOW\s+DATABASES\s*;?\s*$`)
	showTablesPattern     = regexp.MustCompile(`(?is)^\s*SHOW\s+TABLES\s*;?\s*$`)
	userOptionPattern     = regexp.MustCompile(`(?i)([a-zA-Z_]+)\s*=\s*'([^']*)'`)
)

// classifyDDL matches the catalog mutation statements. It returns false when
// sql is not DDL; malformed DDL that still matches a pattern surfaces a
// query error inside the returned plan path instead.
func classifyDDL(sql string) (*plan.Plan, bool) {
	if m := createDatabasePattern.FindStringSubmatch(sql); m != nil {
		return ddlPlan(sql, &plan.DDLCommand{
			Op:          plan.DDLCreateDatabase,
			IfNotExists: m[1] != "",
			Database:    m[2],
		}), true
	}
	if m := dropDatabasePattern.FindStringSubmatch(sql); m != nil {
		return ddlPlan(sql, &plan.DDLCommand{
			Op:       plan.DDLDropDatabase,
			IfExists: m[1] != "",
			Database: m[2],
		}), true
	}
	if m := createTablePattern.FindStringSubmatch(sql); m != nil {
		return ddlPlan(sql, &plan.DDLCommand{
			Op:          plan.DDLCreateTable,
			IfNotExists: m[1] != "",
			Table:       m[2],
			Columns:     parseColumnDefs(m[3]),
		}), true
	}
	if m := dropTablePattern.FindStringSubmatch(sql); m != nil {
		return ddlPlan(sql, &plan.DDLCommand{
			Op:       plan.DDLDropTable,
			IfExists: m[1] != "",
			Table:    m[2],
		}), true
	}
	if m := createUserPattern.FindStringSubmatch(sql); m != nil {
		cmd := &plan.DDLCommand{Op: plan.DDLCreateUser, Username: m[1]}
		for _, opt := range userOptionPattern.FindAllStringSubmatch(m[2], -1) {
			switch strings.ToLower(opt[1]) {
			case "password":
				cmd.Password = opt[2]
			case "is_super":
				cmd.Superuser = strings.EqualFold(opt[2], "true")
			}
		}
		return ddlPlan(sql, cmd), true
	}
	if m := dropUserPattern.FindStringSubmatch(sql); m != nil {
		return ddlPlan(sql, &plan.DDLCommand{Op: plan.DDLDropUser, Username: m[1]}), true
	}
	if m := grantPattern.FindStringSubmatch(sql); m != nil {
		return grantPlan(sql, plan.DDLGrant, m), true
	}
	if m := revokePattern.FindStringSubmatch(sql); m != nil {
		return grantPlan(sql, plan.DDLRevoke, m), true
	}
	return nil, false
}

func classifyShow(sql string) (*plan.Plan, bool) {
	if showDatabasesPattern.MatchString(sql) {
		return &plan.Plan{SQL: sql, Kind: plan.StatementShow, Show: &plan.ShowCommand{Op: plan.ShowDatabases}}, true
	}
	if showTablesPattern.MatchString(sql) {
		return &plan.Plan{SQL: sql, Kind: plan.StatementShow, Show: &plan.ShowCommand{Op: plan.ShowTables}}, true
	}
	return nil, false
}

func ddlPlan(sql string, cmd *plan.DDLCommand) *plan.Plan {
	return &plan.Plan{SQL: sql, Kind: plan.StatementDDL, DDL: cmd}
}

func grantPlan(sql string, op plan.DDLOp, m []string) *plan.Plan {
	return ddlPlan(sql, &plan.DDLCommand{
		Op:         op,
		Privileges: parsePrivileges(m[1]),
		OnDatabase: m[2],
		Grantee:    m[3],
	})
}

// parseColumnDefs splits a column definition list at top-level commas. Each
// definition is "name type..."; the type text, encodings included, is kept
// verbatim for the storage collaborator.
func parseColumnDefs(defs string) []catalog.Column {
	var columns []catalog.Column
	for _, def := range splitTopLevel(defs) {
		name, typ, found := strings.Cut(strings.TrimSpace(def), " ")
		if !found {
			columns = append(columns, catalog.Column{Name: name})
			continue
		}
		columns = append(columns, catalog.Column{
			Name: name,
			Type: strings.TrimSpace(typ),
		})
	}
	return columns
}

// splitTopLevel splits on commas outside parentheses, so DICT(32) and
// DECIMAL(10,2) survive intact.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// parsePrivileges maps the SQL privilege keywords onto catalog privileges.
// Unknown keywords are kept as invalid privileges so the dispatcher can
// reject the statement with a precise diagnostic.
func parsePrivileges(list string) []catalog.Privilege {
	var privs []catalog.Privilege
	for _, raw := range strings.Split(list, ",") {
		switch strings.ToUpper(strings.Join(strings.Fields(raw), " ")) {
		case "SELECT":
			privs = append(privs, catalog.PrivSelect)
		case "INSERT":
			privs = append(privs, catalog.PrivInsert)
		case "ACCESS":
			privs = append(privs, catalog.PrivAccess)
		case "CREATE", "CREATE TABLE":
			privs = append(privs, catalog.PrivCreateTable)
		case "DROP", "DROP TABLE":
			privs = append(privs, catalog.PrivDropTable)
		default:
			// Kept invalid so the catalog rejects the statement with
			// a precise diagnostic.
			privs = append(privs, catalog.Privilege(strings.ToLower(strings.TrimSpace(raw))))
		}
	}
	return privs
}
