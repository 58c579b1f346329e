// Package testutil holds shared test doubles. FakeDynamo understands the expression subset the
// stores emit: AND-joined clauses of attribute_exists/attribute_not_exists and binary comparisons,
// SET/ADD/REMOVE update sections, key conditions on tables and secondary indexes.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type keySchema struct {
	pk, sk string
}

type fakeTable struct {
	key     keySchema
	indexes map[string]keySchema
	items   map[string]map[string]types.AttributeValue
}

// FakeDynamo is an in-memory implementation of the DynamoDB operations the stores use.
type FakeDynamo struct {
	mu     sync.Mutex
	tables map[string]*fakeTable
	calls  map[string]int
	hook   func(op, table string, input interface{}) error
}

// NewFakeDynamo returns an empty fake with no tables.
func NewFakeDynamo() *FakeDynamo {
	return &FakeDynamo{
		tables: map[string]*fakeTable{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table. sk may be empty.
func (f *FakeDynamo) CreateTable(name, pk, sk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &fakeTable{
		key:     keySchema{pk: pk, sk: sk},
		indexes: map[string]keySchema{},
		items:   map[string]map[string]types.AttributeValue{},
	}
}

// AddIndex registers a secondary index on an existing table. Items missing either index key
// attribute are not part of the index.
func (f *FakeDynamo) AddIndex(table, index, pk, sk string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[table].indexes[index] = keySchema{pk: pk, sk: sk}
}

// SetHook installs a function called before every operation; a non-nil return fails the call.
func (f *FakeDynamo) SetHook(hook func(op, table string, input interface{}) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
}

// Calls returns how many times op was invoked.
func (f *FakeDynamo) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a copy of every item in table.
func (f *FakeDynamo) Items(table string) []map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[table]
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, copyItem(it))
	}
	return out
}

// Put stores item unconditionally, for seeding tests.
func (f *FakeDynamo) Put(table string, item map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tables[table]
	k, err := t.itemKey(item)
	if err != nil {
		panic(err)
	}
	t.items[k] = copyItem(item)
}

func (f *FakeDynamo) enter(op, table string, input interface{}) (*fakeTable, error) {
	f.calls[op]++
	if f.hook != nil {
		if err := f.hook(op, table, input); err != nil {
			return nil, err
		}
	}
	if table == "" {
		return nil, nil
	}
	t, ok := f.tables[table]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
	}
	return t, nil
}

func (f *FakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("PutItem", sdkaws.ToString(in.TableName), in)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Item)
	if err != nil {
		return nil, err
	}
	ex := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	if ok, err := ex.eval(sdkaws.ToString(in.ConditionExpression), t.items[k]); err != nil {
		return nil, err
	} else if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	t.items[k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *FakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("GetItem", sdkaws.ToString(in.TableName), in)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *FakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("UpdateItem", sdkaws.ToString(in.TableName), in)
	if err != nil {
		return nil, err
	}
	ex := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	next, err := t.applyUpdate(in.Key, sdkaws.ToString(in.ConditionExpression), sdkaws.ToString(in.UpdateExpression), ex)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{Attributes: copyItem(next)}, nil
}

func (f *FakeDynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("DeleteItem", sdkaws.ToString(in.TableName), in)
	if err != nil {
		return nil, err
	}
	k, err := t.itemKey(in.Key)
	if err != nil {
		return nil, err
	}
	ex := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}
	if ok, err := ex.eval(sdkaws.ToString(in.ConditionExpression), t.items[k]); err != nil {
		return nil, err
	} else if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	old := t.items[k]
	delete(t.items, k)
	return &dyn.DeleteItemOutput{Attributes: copyItem(old)}, nil
}

func (f *FakeDynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.enter("Query", sdkaws.ToString(in.TableName), in)
	if err != nil {
		return nil, err
	}
	schema := t.key
	if in.IndexName != nil {
		s, ok := t.indexes[*in.IndexName]
		if !ok {
			return nil, fmt.Errorf("fake: unknown index %s", *in.IndexName)
		}
		schema = s
	}
	ex := exprCtx{names: in.ExpressionAttributeNames, values: in.ExpressionAttributeValues}

	type row struct {
		key  string
		item map[string]types.AttributeValue
	}
	var rows []row
	for k, it := range t.items {
		if it[schema.pk] == nil || (schema.sk != "" && it[schema.sk] == nil) {
			continue
		}
		ok, err := ex.eval(sdkaws.ToString(in.KeyConditionExpression), it)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row{key: k, item: it})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if schema.sk != "" {
			c := compareAttr(rows[i].item[schema.sk], rows[j].item[schema.sk])
			if c != 0 {
				return c < 0
			}
		}
		return rows[i].key < rows[j].key
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		sk, err := t.itemKey(in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, r := range rows {
			if r.key == sk {
				start = i + 1
				break
			}
		}
	}
	rows = rows[start:]

	out := &dyn.QueryOutput{}
	if in.Limit != nil && int(*in.Limit) < len(rows) {
		rows = rows[:*in.Limit]
		last := rows[len(rows)-1].item
		lek := map[string]types.AttributeValue{t.key.pk: last[t.key.pk]}
		if t.key.sk != "" {
			lek[t.key.sk] = last[t.key.sk]
		}
		lek[schema.pk] = last[schema.pk]
		if schema.sk != "" {
			lek[schema.sk] = last[schema.sk]
		}
		out.LastEvaluatedKey = lek
	}
	for _, r := range rows {
		ok, err := ex.eval(sdkaws.ToString(in.FilterExpression), r.item)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, copyItem(r.item))
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (f *FakeDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.enter("TransactWriteItems", "", in); err != nil {
		return nil, err
	}

	// Work on a staged copy so a failed transaction leaves no trace.
	staged := map[string]map[string]map[string]types.AttributeValue{}
	stage := func(table string) (*fakeTable, map[string]map[string]types.AttributeValue, error) {
		t, ok := f.tables[table]
		if !ok {
			return nil, nil, &types.ResourceNotFoundException{Message: sdkaws.String("table not found: " + table)}
		}
		if s, ok := staged[table]; ok {
			return t, s, nil
		}
		s := make(map[string]map[string]types.AttributeValue, len(t.items))
		for k, v := range t.items {
			s[k] = v
		}
		staged[table] = s
		return t, s, nil
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, it := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		table := transactTable(it)
		t, items, err := stage(table)
		if err != nil {
			return nil, err
		}
		var ok bool
		switch {
		case it.Put != nil:
			ex := exprCtx{names: it.Put.ExpressionAttributeNames, values: it.Put.ExpressionAttributeValues}
			k, err := t.itemKey(it.Put.Item)
			if err != nil {
				return nil, err
			}
			if ok, err = ex.eval(sdkaws.ToString(it.Put.ConditionExpression), items[k]); err != nil {
				return nil, err
			}
			if ok {
				items[k] = copyItem(it.Put.Item)
			}
		case it.Update != nil:
			ex := exprCtx{names: it.Update.ExpressionAttributeNames, values: it.Update.ExpressionAttributeValues}
			view := &fakeTable{key: t.key, indexes: t.indexes, items: items}
			_, err := view.applyUpdate(it.Update.Key, sdkaws.ToString(it.Update.ConditionExpression), sdkaws.ToString(it.Update.UpdateExpression), ex)
			var ccf *types.ConditionalCheckFailedException
			switch {
			case errors.As(err, &ccf):
				ok = false
			case err != nil:
				return nil, err
			default:
				ok = true
			}
		case it.Delete != nil:
			ex := exprCtx{names: it.Delete.ExpressionAttributeNames, values: it.Delete.ExpressionAttributeValues}
			k, err := t.itemKey(it.Delete.Key)
			if err != nil {
				return nil, err
			}
			if ok, err = ex.eval(sdkaws.ToString(it.Delete.ConditionExpression), items[k]); err != nil {
				return nil, err
			}
			if ok {
				delete(items, k)
			}
		case it.ConditionCheck != nil:
			ex := exprCtx{names: it.ConditionCheck.ExpressionAttributeNames, values: it.ConditionCheck.ExpressionAttributeValues}
			k, err := t.itemKey(it.ConditionCheck.Key)
			if err != nil {
				return nil, err
			}
			if ok, err = ex.eval(sdkaws.ToString(it.ConditionCheck.ConditionExpression), items[k]); err != nil {
				return nil, err
			}
		}
		if !ok {
			failed = true
			reasons[i] = types.CancellationReason{
				Code:    sdkaws.String("ConditionalCheckFailed"),
				Message: sdkaws.String("The conditional request failed"),
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for table, items := range staged {
		f.tables[table].items = items
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func transactTable(it types.TransactWriteItem) string {
	switch {
	case it.Put != nil:
		return sdkaws.ToString(it.Put.TableName)
	case it.Update != nil:
		return sdkaws.ToString(it.Update.TableName)
	case it.Delete != nil:
		return sdkaws.ToString(it.Delete.TableName)
	case it.ConditionCheck != nil:
		return sdkaws.ToString(it.ConditionCheck.TableName)
	}
	return ""
}

func (t *fakeTable) itemKey(item map[string]types.AttributeValue) (string, error) {
	pk, ok := item[t.key.pk]
	if !ok {
		return "", fmt.Errorf("fake: missing key attribute %s", t.key.pk)
	}
	k := attrString(pk)
	if t.key.sk != "" {
		sk, ok := item[t.key.sk]
		if !ok {
			return "", fmt.Errorf("fake: missing key attribute %s", t.key.sk)
		}
		k += "\x00" + attrString(sk)
	}
	return k, nil
}

func (t *fakeTable) applyUpdate(key map[string]types.AttributeValue, cond, update string, ex exprCtx) (map[string]types.AttributeValue, error) {
	k, err := t.itemKey(key)
	if err != nil {
		return nil, err
	}
	current := t.items[k]
	ok, err := ex.eval(cond, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	next := copyItem(current)
	if next == nil {
		next = map[string]types.AttributeValue{}
	}
	for name, v := range key {
		next[name] = v
	}
	if err := ex.applyUpdate(update, next); err != nil {
		return nil, err
	}
	t.items[k] = next
	return next, nil
}

var sectionRe = regexp.MustCompile(`\b(SET|ADD|REMOVE)\b`)

type exprCtx struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func (ex exprCtx) name(tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if strings.HasPrefix(tok, "#") {
		n, ok := ex.names[tok]
		if !ok {
			return "", fmt.Errorf("fake: undefined name placeholder %s", tok)
		}
		return n, nil
	}
	return tok, nil
}

func (ex exprCtx) value(tok string) (types.AttributeValue, error) {
	tok = strings.TrimSpace(tok)
	v, ok := ex.values[tok]
	if !ok {
		return nil, fmt.Errorf("fake: undefined value placeholder %s", tok)
	}
	return v, nil
}

var operators = []string{"<=", ">=", "<>", "=", "<", ">"}

func (ex exprCtx) eval(expr string, item map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		ok, err := ex.evalClause(strings.TrimSpace(clause), item)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (ex exprCtx) evalClause(clause string, item map[string]types.AttributeValue) (bool, error) {
	for _, fn := range []string{"attribute_not_exists", "attribute_exists"} {
		if strings.HasPrefix(clause, fn+"(") && strings.HasSuffix(clause, ")") {
			n, err := ex.name(clause[len(fn)+1 : len(clause)-1])
			if err != nil {
				return false, err
			}
			_, present := item[n]
			if fn == "attribute_exists" {
				return present, nil
			}
			return !present, nil
		}
	}
	for _, op := range operators {
		idx := strings.Index(clause, " "+op+" ")
		if idx < 0 {
			continue
		}
		n, err := ex.name(clause[:idx])
		if err != nil {
			return false, err
		}
		want, err := ex.value(clause[idx+len(op)+2:])
		if err != nil {
			return false, err
		}
		got, present := item[n]
		if !present {
			return op == "<>", nil
		}
		c := compareAttr(got, want)
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		}
	}
	return false, fmt.Errorf("fake: unsupported condition clause %q", clause)
}

func (ex exprCtx) applyUpdate(expr string, item map[string]types.AttributeValue) error {
	locs := sectionRe.FindAllStringIndex(expr, -1)
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		keyword := expr[loc[0]:loc[1]]
		body := strings.TrimSpace(expr[loc[1]:end])
		for _, part := range strings.Split(body, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			switch keyword {
			case "SET":
				eq := strings.Index(part, "=")
				if eq < 0 {
					return fmt.Errorf("fake: bad SET clause %q", part)
				}
				n, err := ex.name(part[:eq])
				if err != nil {
					return err
				}
				v, err := ex.value(part[eq+1:])
				if err != nil {
					return err
				}
				item[n] = v
			case "ADD":
				fields := strings.Fields(part)
				if len(fields) != 2 {
					return fmt.Errorf("fake: bad ADD clause %q", part)
				}
				n, err := ex.name(fields[0])
				if err != nil {
					return err
				}
				v, err := ex.value(fields[1])
				if err != nil {
					return err
				}
				delta, ok := v.(*types.AttributeValueMemberN)
				if !ok {
					return fmt.Errorf("fake: ADD supports numbers only")
				}
				sum := new(big.Rat)
				if cur, ok := item[n].(*types.AttributeValueMemberN); ok {
					sum.SetString(cur.Value)
				}
				d, _ := new(big.Rat).SetString(delta.Value)
				sum.Add(sum, d)
				item[n] = &types.AttributeValueMemberN{Value: ratString(sum)}
			case "REMOVE":
				n, err := ex.name(part)
				if err != nil {
					return err
				}
				delete(item, n)
			}
		}
	}
	return nil
}

func ratString(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	return r.FloatString(10)
}

func attrString(v types.AttributeValue) string {
	switch x := v.(type) {
	case *types.AttributeValueMemberS:
		return "S:" + x.Value
	case *types.AttributeValueMemberN:
		return "N:" + x.Value
	case *types.AttributeValueMemberBOOL:
		return fmt.Sprintf("BOOL:%t", x.Value)
	default:
		return fmt.Sprintf("%T", v)
	}
}

func compareAttr(a, b types.AttributeValue) int {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if aok && bok {
		ar, _ := new(big.Rat).SetString(an.Value)
		br, _ := new(big.Rat).SetString(bn.Value)
		if ar == nil || br == nil {
			return strings.Compare(an.Value, bn.Value)
		}
		return ar.Cmp(br)
	}
	return strings.Compare(attrString(a), attrString(b))
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
