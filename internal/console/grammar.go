package console

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Command is one console line. Exactly one branch is set after parsing.
type Command struct {
	Finish  bool    `  @("finish" | "fin" | "f")`
	Exit    bool    `| @"exit"`
	Save    bool    `| @"save"`
	Run     *int    `| "run" @Int`
	Print   *Print  `| "print" @@`
	Ask     *Ask    `| "ask" @@`
	Archive *string `| "archive" @String`
}

type Print struct {
	Schedule  *string `  "schedule" @(Ident | String)`
	Schedules bool    `| @"schedules"`
	Tile      *string `| "tile" @(Ident | String)`
	Events    *XY     `| "events" @@`
	Details   *XY     `| "details" @@`
	Time      bool    `| @"time"`
	Lineage   bool    `| @"lineage"`
}

type XY struct {
	X int `@Int ","`
	Y int `@Int`
}

type Ask struct {
	Agent    string `@(Ident | String)`
	Question string `@String`
}

var consoleLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_\-]*`},
	{Name: "Punct", Pattern: `,`},
})

var parser = participle.MustBuild[Command](
	participle.Lexer(consoleLexer),
	participle.Elide("Whitespace"),
	participle.CaseInsensitive("Ident"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

func Parse(line string) (*Command, error) {
	return parser.ParseString("", line)
}

// Kind names the dispatch-table entry for c.
func (c *Command) Kind() string {
	switch {
	case c.Finish:
		return "finish"
	case c.Exit:
		return "exit"
	case c.Save:
		return "save"
	case c.Run != nil:
		return "run"
	case c.Ask != nil:
		return "ask"
	case c.Archive != nil:
		return "archive"
	case c.Print != nil:
		p := c.Print
		switch {
		case p.Schedule != nil:
			return "print schedule"
		case p.Schedules:
			return "print schedules"
		case p.Tile != nil:
			return "print tile"
		case p.Events != nil:
			return "print events"
		case p.Details != nil:
			return "print details"
		case p.Time:
			return "print time"
		case p.Lineage:
			return "print lineage"
		}
	}
	return ""
}
