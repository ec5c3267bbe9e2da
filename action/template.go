package action

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohitkumar/fleetrules/logger"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

var tokenRe = regexp.MustCompile(`{([^{}]+)}`)

var fieldPathRe = regexp.MustCompile(`^[a-z_]+(\.[A-Za-z0-9_]+)+$`)

// ResolveParams substitutes {$.jsonpath} tokens against the execution data
// and {kind.path} tokens through the field scope. A string that is a single
// token takes the resolved value with its type; unresolved tokens are kept.
func ResolveParams(ctx context.Context, actx *Context, params map[string]any) map[string]any {
	r := &templater{ctx: ctx, actx: actx}
	if actx != nil {
		r.data = actx.Data()
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = r.resolve(v)
	}
	return out
}

type templater struct {
	ctx  context.Context
	actx *Context
	data map[string]any
}

func (r *templater) resolve(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = r.resolve(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			out = append(out, r.resolve(item))
		}
		return out
	case string:
		return r.resolveString(val)
	}
	return v
}

func (r *templater) resolveString(s string) any {
	matches := tokenRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		if v, ok := r.lookup(s[matches[0][2]:matches[0][3]]); ok {
			return v
		}
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		if v, ok := r.lookup(s[m[2]:m[3]]); ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString(s[m[0]:m[1]])
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func (r *templater) lookup(token string) (any, bool) {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "$") {
		if r.data == nil {
			return nil, false
		}
		v, err := jsonpath.JsonPathLookup(r.data, token)
		if err != nil {
			logger.Debug("template lookup failed", zap.String("token", token), zap.Error(err))
			return nil, false
		}
		return v, true
	}
	if r.actx == nil || r.actx.Scope == nil || !fieldPathRe.MatchString(token) {
		return nil, false
	}
	v, err := r.actx.Scope.Resolve(r.ctx, token)
	if err != nil {
		logger.Debug("template field lookup failed", zap.String("token", token), zap.Error(err))
		return nil, false
	}
	return v.Interface(), true
}
