package config

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// decodeBody converts an HCL body into the raw attribute map a resource node
// carries. Literal values decode to native Go values; expressions containing
// references decode to engine.Expr text with the `${}` markers preserved.
// Nested blocks accumulate under their type name; `column` blocks collect
// into a "columns" list so repeated declarations keep order.
func decodeBody(body *hclsyntax.Body, src []byte, path string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(body.Attributes)+len(body.Blocks))

	// hclsyntax keeps attributes in a map; iterate by source order.
	for _, attr := range sortedAttributes(body) {
		v, err := decodeExpr(attr.Expr, src, path)
		if err != nil {
			return nil, err
		}
		out[attr.Name] = v
	}

	for _, block := range body.Blocks {
		inner, err := decodeBody(block.Body, src, path)
		if err != nil {
			return nil, err
		}
		if len(block.Labels) == 1 {
			inner["name"] = block.Labels[0]
		}

		key := block.Type
		if block.Type == "column" {
			key = "columns"
		}
		switch existing := out[key].(type) {
		case nil:
			if key == "columns" {
				out[key] = []interface{}{inner}
			} else {
				out[key] = inner
			}
		case []interface{}:
			out[key] = append(existing, inner)
		case map[string]interface{}:
			out[key] = []interface{}{existing, inner}
		default:
			return nil, engine.NewPermanentError(
				fmt.Sprintf("block %q collides with attribute of the same name", block.Type), nil).
				WithCode(engine.ErrCodeSyntax).
				WithSource(path, block.TypeRange.Start.Line)
		}
	}
	return out, nil
}

func sortedAttributes(body *hclsyntax.Body) []*hclsyntax.Attribute {
	attrs := make([]*hclsyntax.Attribute, 0, len(body.Attributes))
	for _, attr := range body.Attributes {
		attrs = append(attrs, attr)
	}
	for i := 1; i < len(attrs); i++ {
		for j := i; j > 0 && attrs[j].SrcRange.Start.Byte < attrs[j-1].SrcRange.Start.Byte; j-- {
			attrs[j], attrs[j-1] = attrs[j-1], attrs[j]
		}
	}
	return attrs
}

// decodeExpr converts one HCL expression. Interpolation is never evaluated:
// template parts and bare traversals become engine.Expr text for the
// interpolation engine.
func decodeExpr(expr hclsyntax.Expression, src []byte, path string) (interface{}, error) {
	switch e := expr.(type) {
	case *hclsyntax.LiteralValueExpr:
		return ctyToGo(e.Val)

	case *hclsyntax.TemplateExpr:
		if e.IsStringLiteral() {
			v, diags := e.Value(nil)
			if diags.HasErrors() {
				return nil, syntaxError(path, diags)
			}
			return v.AsString(), nil
		}
		var b strings.Builder
		for _, part := range e.Parts {
			if lit, ok := part.(*hclsyntax.LiteralValueExpr); ok && lit.Val.Type() == cty.String {
				b.WriteString(escapeLiteral(lit.Val.AsString()))
				continue
			}
			b.WriteString("${")
			b.Write(rangeBytes(src, part.Range()))
			b.WriteString("}")
		}
		return engine.Expr(b.String()), nil

	case *hclsyntax.TemplateWrapExpr:
		return engine.Expr("${" + string(rangeBytes(src, e.Wrapped.Range())) + "}"), nil

	case *hclsyntax.ScopeTraversalExpr:
		return engine.Expr("${" + traversalString(e.Traversal) + "}"), nil

	case *hclsyntax.TupleConsExpr:
		out := make([]interface{}, 0, len(e.Exprs))
		for _, item := range e.Exprs {
			v, err := decodeExpr(item, src, path)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case *hclsyntax.ObjectConsExpr:
		out := make(map[string]interface{}, len(e.Items))
		for _, item := range e.Items {
			key, err := objectKey(item.KeyExpr, src, path)
			if err != nil {
				return nil, err
			}
			v, err := decodeExpr(item.ValueExpr, src, path)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	default:
		// Anything else with references in its source text goes to the
		// interpolation engine verbatim.
		raw := string(rangeBytes(src, expr.Range()))
		if strings.Contains(raw, "${") || exprReferences(expr) {
			return engine.Expr(raw), nil
		}
		v, diags := expr.Value(nil)
		if diags.HasErrors() {
			return nil, syntaxError(path, diags)
		}
		return ctyToGo(v)
	}
}

func objectKey(expr hclsyntax.Expression, src []byte, path string) (string, error) {
	if kw := hcl.ExprAsKeyword(expr); kw != "" {
		return kw, nil
	}
	v, err := decodeExpr(expr, src, path)
	if err != nil {
		return "", err
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", engine.NewPermanentError(
		fmt.Sprintf("object key must be a string, got %T", v), nil).
		WithCode(engine.ErrCodeSyntax).
		WithSource(path, expr.Range().Start.Line)
}

// exprReferences reports whether an expression traverses variables.
func exprReferences(expr hclsyntax.Expression) bool {
	return len(expr.Variables()) > 0
}

func traversalString(t hcl.Traversal) string {
	var b strings.Builder
	for _, step := range t {
		switch s := step.(type) {
		case hcl.TraverseRoot:
			b.WriteString(s.Name)
		case hcl.TraverseAttr:
			b.WriteByte('.')
			b.WriteString(s.Name)
		case hcl.TraverseIndex:
			b.WriteByte('.')
			switch s.Key.Type() {
			case cty.String:
				b.WriteString(s.Key.AsString())
			case cty.Number:
				b.WriteString(s.Key.AsBigFloat().Text('f', -1))
			}
		}
	}
	return b.String()
}

// escapeLiteral re-escapes literal `${` so the interpolation scanner does not
// mistake HCL-escaped text for a reference.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "${", "$${")
}

func rangeBytes(src []byte, rng hcl.Range) []byte {
	if rng.Start.Byte < 0 || rng.End.Byte > len(src) || rng.Start.Byte > rng.End.Byte {
		return nil
	}
	return src[rng.Start.Byte:rng.End.Byte]
}

// ctyToGo converts a cty literal into the plain Go value space nodes carry.
func ctyToGo(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return v.AsString(), nil
	case t == cty.Bool:
		return v.True(), nil
	case t == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			i, _ := bf.Int64()
			return int(i), nil
		}
		f, _ := bf.Float64()
		return f, nil
	case t.IsTupleType() || t.IsListType() || t.IsSetType():
		out := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			g, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	case t.IsObjectType() || t.IsMapType():
		out := make(map[string]interface{}, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			g, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = g
		}
		return out, nil
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported literal type %s", t.FriendlyName()), nil).
			WithCode(engine.ErrCodeSyntax)
	}
}
