package database

import "reflect"

// NamesFromRecord returns the db tags of the fields of x, in declaration order.
// Fields without a db tag, or tagged "-", are skipped.
func NamesFromRecord(x interface{}) []string {
	t := reflect.TypeOf(x)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name, ok := columnName(t.Field(i)); ok {
			names = append(names, name)
		}
	}
	return names
}

// ValuesFromRecord returns the values of the db-tagged fields of x, aligned with NamesFromRecord.
func ValuesFromRecord(x interface{}) []interface{} {
	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	values := make([]interface{}, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		if _, ok := columnName(t.Field(i)); ok {
			values = append(values, v.Field(i).Interface())
		}
	}
	return values
}

// NamesValuesFromRecord is NamesFromRecord and ValuesFromRecord in one call.
func NamesValuesFromRecord(x interface{}) ([]string, []interface{}) {
	return NamesFromRecord(x), ValuesFromRecord(x)
}

func columnName(field reflect.StructField) (string, bool) {
	name := field.Tag.Get("db")
	if name == "" || name == "-" || !field.IsExported() {
		return "", false
	}
	return name, true
}
